package nats

import "fmt"

// Subject hierarchy used by recovery.
//
//	ojs.recovery.>              -- recovery messages (RECOVER, CANCEL_RECOVER, RECOVER_SHUTDOWN)
//	ojs.alt.>                   -- alternate exchange for unroutable recovery traffic
//	ojs.queue.{name}.jobs       -- job submission queues, target of resubmission
//	ojs.dead.{name}             -- dead letter messages
//	ojs.events.>                -- lifecycle events (wildcardable)
const (
	// Streams
	StreamName         = "OJS"
	RecoveryStreamName = "OJS_RECOVERY"
	SubjectPrefix      = "ojs"

	// KV bucket names
	BucketJobs        = "ojs-jobs"
	BucketRecovery    = "ojs-recovery"
	BucketBlocked     = "ojs-blocked"
	BucketRecoverySeq = "ojs-recovery-seq"
	BucketSystems     = "ojs-systems"
	BucketApps        = "ojs-apps"

	// DefaultQueueName names the shared durable consumer when none is configured.
	DefaultQueueName = "recovery"
)

// RecoverySubject returns the subject for a recovery message kind.
// Example: ojs.recovery.recover
func RecoverySubject(kind string) string {
	return fmt.Sprintf("%s.recovery.%s", SubjectPrefix, kind)
}

// RecoveryAllSubject is the default binding key.
func RecoveryAllSubject() string {
	return fmt.Sprintf("%s.recovery.>", SubjectPrefix)
}

// AltAllSubject returns the wildcard subject of the alternate exchange.
func AltAllSubject() string {
	return fmt.Sprintf("%s.alt.>", SubjectPrefix)
}

// QueueJobsSubject returns the subject for publishing jobs to a queue.
// Example: ojs.queue.default.jobs
func QueueJobsSubject(queue string) string {
	return fmt.Sprintf("%s.queue.%s.jobs", SubjectPrefix, queue)
}

// DeadLetterSubject returns the subject for dead letter messages.
// Example: ojs.dead.recovery
func DeadLetterSubject(queue string) string {
	return fmt.Sprintf("%s.dead.%s", SubjectPrefix, queue)
}

// QueueAllSubject returns the wildcard subject for all queue messages.
func QueueAllSubject() string {
	return fmt.Sprintf("%s.queue.>", SubjectPrefix)
}

// DeadAllSubject returns the wildcard subject for all dead letter messages.
func DeadAllSubject() string {
	return fmt.Sprintf("%s.dead.>", SubjectPrefix)
}

// EventsAllSubject returns the wildcard subject for all events.
func EventsAllSubject() string {
	return fmt.Sprintf("%s.events.>", SubjectPrefix)
}

// ConsumerName returns the durable consumer name for a recovery queue.
// Readers sharing a queue name compete for the same messages.
func ConsumerName(queue string) string {
	return fmt.Sprintf("ojs-recovery-%s", queue)
}
