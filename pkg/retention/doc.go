// Package retention prunes audit rows on a cron schedule.
//
// Only error rows and checkpoints that are both older than the retention age
// and superseded are removed. Messages and the latest checkpoint of every
// session are never touched, so pruning cannot change what a resume yields.
package retention
