// Package stores persists the netconverge change ledger, apply summaries and
// per-location locks in SQLite.
//
// Change records are append-only: the schema rejects UPDATE and DELETE on the
// ledger table, and History reads it lazily in pages so large ledgers can be
// streamed with a range loop:
//
//	for rec, err := range store.History(ctx, stores.HistoryFilter{Location: "Office"}) {
//		if err != nil {
//			return err
//		}
//		fmt.Println(rec.Timestamp, rec.Command, rec.Outcome)
//	}
package stores
