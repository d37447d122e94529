package distribution

import (
	"strings"

	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
)

const (
	EventMemberAdded EventType = iota
	EventMemberRemoved
)

// Event describes a membership change.
type Event struct {
	Type    EventType
	Member  model.Member
	Message string
}

type EventType int

type Events []Event

// Messages converts events to a string for logging purposes.
func (v Events) Messages() string {
	var out strings.Builder
	last := len(v) - 1
	for i, e := range v {
		out.WriteString(e.Message)
		if i != last {
			out.WriteString("; ")
		}
	}
	return out.String()
}
