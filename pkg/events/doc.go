/*
Package events provides the notification broker used by the configuration
database to announce committed changes.

# Architecture

	┌───────────── EVENT BROKER ──────────────┐
	│                                          │
	│  database commit ──Publish──▶ eventCh    │
	│                               (256)      │
	│                                 │        │
	│                           run() loop     │
	│                                 │        │
	│             ┌───────────────────┼─────┐  │
	│             ▼                   ▼     ▼  │
	│        subscriber          filtered   …  │
	│        (64 buffer)         by class      │
	└──────────────────────────────────────────┘

Publish never blocks the committer. When the broker queue or a subscriber
buffer is full the delivery is dropped and counted in Dropped.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	luns := broker.SubscribeFiltered(types.ClassLUN, types.ClassExtentPoolLUN)
	defer broker.Unsubscribe(luns)

	for ev := range luns {
		fmt.Println(ev.Type, ev.ObjectID)
	}

# Event Types

	object.created / object.modified / object.destroyed
	    one per committed object entry, Class set
	encryption.changed
	    the encryption global info entry changed mode
	global_info.changed
	    any other global info entry changed
	database.state_changed
	    Metadata["from"], Metadata["to"], Metadata["reason"]
	transaction.aborted
	    the commit engine rejected or rolled back a transaction
	peer.lost / peer.joined
	    peer controller link state
*/
package events
