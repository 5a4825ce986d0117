package bus

import "strings"

// Subjects carried by the durable bus. Subjects with a trailing segment are
// built through the helper functions; a trailing "*" subscribes to every
// event in the family.
const (
	SubjectJobsDispatch      = "jobs.dispatch"
	SubjectTransferReady     = "transfer.ready"
	SubjectTransferClear     = "transfer.clear"
	SubjectTransferAck       = "transfer.ack"
	SubjectTransferAbort     = "transfer.abort"
	SubjectExtensionAnnounce = "extensions.announce"
	SubjectSecretsRotate     = "secrets.rotate"
)

// JobStatusSubject returns the per-job status subject.
func JobStatusSubject(jobID string) string {
	return "jobs.status." + jobID
}

// TaskResultSubject returns the per-task result subject.
func TaskResultSubject(taskID string) string {
	return "tasks.result." + taskID
}

// HeartbeatSubject returns the per-extension heartbeat subject.
func HeartbeatSubject(extensionID string) string {
	return "extensions." + extensionID + ".heartbeat"
}

// route maps a subject onto its backing stream and event name. Subject
// families share a stream so ordering holds across related events; the event
// name carries the variable segment. An event name of "*" matches everything
// in the stream.
func route(subject string) (stream, event string) {
	switch {
	case subject == SubjectJobsDispatch:
		return "jobs", "dispatch"
	case strings.HasPrefix(subject, "jobs.status."):
		return "jobs.status", strings.TrimPrefix(subject, "jobs.status.")
	case strings.HasPrefix(subject, "transfer."):
		return "transfer", strings.TrimPrefix(subject, "transfer.")
	case subject == SubjectSecretsRotate:
		return "secrets", "rotate"
	case subject == SubjectExtensionAnnounce:
		return "extensions", "announce"
	case subject == "extensions.*":
		return "extensions", "*"
	case strings.HasPrefix(subject, "extensions.") && strings.HasSuffix(subject, ".heartbeat"):
		id := strings.TrimSuffix(strings.TrimPrefix(subject, "extensions."), ".heartbeat")
		return "extensions", "heartbeat." + id
	case strings.HasPrefix(subject, "tasks.result."):
		return "tasks.result", strings.TrimPrefix(subject, "tasks.result.")
	default:
		return subject, "event"
	}
}

// subjectFor reconstructs the subject a received event was published under.
func subjectFor(stream, event string) string {
	switch stream {
	case "jobs":
		return SubjectJobsDispatch
	case "jobs.status":
		return "jobs.status." + event
	case "transfer":
		return "transfer." + event
	case "extensions":
		if event == "announce" {
			return SubjectExtensionAnnounce
		}
		if id, ok := strings.CutPrefix(event, "heartbeat."); ok {
			return HeartbeatSubject(id)
		}
		return "extensions." + event
	case "secrets":
		return SubjectSecretsRotate
	case "tasks.result":
		return "tasks.result." + event
	default:
		return stream
	}
}
