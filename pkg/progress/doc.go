// Package progress carries live progress of an agent run to user interfaces.
//
// Observers are best-effort: Notify must not block and its failures never
// reach the agent loop. Server broadcasts every event to websocket clients
// authenticated with the shared secret.
//
// Usage:
//
//	srv, _ := progress.NewServer(progress.ServerConfig{Addr: "127.0.0.1:7420", SharedSecret: secret, Logger: logger})
//	_ = srv.Start()
//	defer srv.Stop(ctx)
//	observer := progress.Fanout{srv, progress.ObserverFunc(render)}
package progress
