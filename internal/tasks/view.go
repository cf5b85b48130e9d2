package tasks

import "fmt"

// StatusView is the point-in-time snapshot returned by status queries.
type StatusView struct {
	TaskID        string     `json:"taskId"`
	Status        TaskStatus `json:"status"`
	Message       string     `json:"message"`
	Result        string     `json:"result,omitempty"`
	QueuePosition int        `json:"queuePosition,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
}

// View builds the status snapshot of t. queuePosition is only reported for
// queued tasks and only when positive.
func (t *Task) View(queuePosition int) StatusView {
	v := StatusView{TaskID: t.ID, Status: t.Status}
	name := t.AgentName
	if name == "" {
		name = t.AgentID
	}

	switch t.Status {
	case TaskSubmitted:
		v.Message = fmt.Sprintf("task submitted, agent %s is starting", name)
	case TaskQueued:
		if t.WakeAt != nil {
			v.Message = fmt.Sprintf("agent %s is sleeping until %s", name, t.WakeAt.Format(WakeTimeLayout))
		} else {
			v.Message = fmt.Sprintf("agent %s is busy, task queued", name)
		}
		if queuePosition > 0 {
			v.QueuePosition = queuePosition
		}
	case TaskRunning:
		v.Message = fmt.Sprintf("agent %s is working on the task", name)
	case TaskCompleted:
		v.Message = "task completed"
		v.Result = t.Result
	case TaskFailed:
		v.Message = "task failed"
		v.ErrorMessage = t.ErrorMessage
	case TaskCancelled:
		v.Message = "task cancelled"
		v.ErrorMessage = t.ErrorMessage
	default:
		v.Message = "unknown status"
	}
	return v
}

// WakeTimeLayout formats wake-up times in prompts and messages.
const WakeTimeLayout = "2006-01-02 15:04:05"
