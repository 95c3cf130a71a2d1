// Package phonon lets independent workers co-aggregate updates to the same
// record and write each aggregate once.
//
// Workers share nothing but a fleet of cache nodes. Each worker keeps its
// in-flight updates in a Cache; when a worker's session on a resource ends
// it either leaves its partial aggregate on the fleet for the workers still
// holding the resource, or, as the last holder, merges everything left
// behind and executes the write.
//
//	cfg, _ := config.Load("phonon.yaml")
//	fleet, _ := phonon.Dial(ctx, cfg, logger)
//	defer fleet.Close()
//
//	w, _ := fleet.NewWorker(ctx, codec)
//	defer w.Close(ctx)
//	w.Cache.Set(ctx, "user:42", update)
package phonon
