// Package store keeps the session ledger: which client held the device,
// when, and how its requests fared.
//
// The ledger is an SQLite database opened in memory with a single
// connection. It lives exactly as long as the process, so nothing about past
// sessions survives a restart.
//
//	st, err := store.NewMemoryStore(logger)
//	...
//	st.OpenSession(ctx, &store.Session{ID: id, Frontend: store.FrontendTCP, ...})
//	st.RecordExchange(ctx, id, store.OutcomeReply)
//	st.CloseSession(ctx, id, "client closed")
package store
