// Package dispatch fans monitoring tasks out to worker replicas. A periodic
// sweep publishes due tasks to a capped Redis stream; replicas join one
// consumer group and compete for entries, acknowledging each entry only
// after the check pipeline finished so that a crashed replica hands its
// work to a living one.
package dispatch

import "strconv"

const (
	// streamKey is the durable work stream shared by every replica.
	streamKey = "stream:parsing_tasks"
	// wakeChannel carries advisory "new task" pings. The stream remains the
	// source of truth; subscribers use pings only to cut poll latency.
	wakeChannel = "parsing_tasks:new"

	// RunningKeyPrefix prefixes the in-flight markers. The admin services
	// clear and count markers through it.
	RunningKeyPrefix = "parsing_task_running:"
)

// RunningKey is the cache marker a task holds from publish until the
// worker's ack. A present marker keeps the sweep from dispatching the task
// a second time.
func RunningKey(taskID int64) string {
	return RunningKeyPrefix + strconv.FormatInt(taskID, 10)
}
