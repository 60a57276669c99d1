package inspect

import (
	"fmt"
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"netcoord/internal/clock"
	"netcoord/internal/message"
	"netcoord/internal/node"
	"netcoord/internal/snapshot"
)

func toStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return s, nil
}

func vectorList(v clock.Vector) []any {
	out := make([]any, len(v))
	for i, c := range v {
		out[i] = c
	}
	return out
}

func idList(ids []message.ID) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func nodeStatusMap(st node.Status) map[string]any {
	m := map[string]any{
		"id":        int64(st.ID),
		"state":     fmt.Sprint(st.State),
		"vector":    vectorList(st.Vector),
		"neighbors": idList(st.Neighbors),
		"snapshot":  st.Snapshot.String(),
		"mutex": map[string]any{
			"discipline":  st.Mutex.Discipline,
			"in_cs":       st.Mutex.InCS,
			"requesting":  st.Mutex.Requesting,
			"holds_token": st.Mutex.HoldsToken,
			"holder":      int64(st.Mutex.Holder),
			"queue":       idList(st.Mutex.Queue),
			"clock":       st.Mutex.Clock,
			"replies":     int64(st.Mutex.Replies),
		},
		"termination": map[string]any{
			"active":     st.Termination.Active,
			"root":       st.Termination.Root,
			"terminated": st.Termination.Terminated,
			"has_parent": st.Termination.HasParent,
			"parent":     int64(st.Termination.Parent),
			"children":   idList(st.Termination.Children),
		},
	}
	if st.Err != nil {
		m["error"] = st.Err.Error()
	}
	return m
}

func recordMap(r snapshot.Record) map[string]any {
	channels := make(map[string]any, len(r.Channels))
	for from, msgs := range r.Channels {
		list := make([]any, len(msgs))
		for i, msg := range msgs {
			list[i] = map[string]any{
				"seq":  int64(msg.Seq),
				"body": fmt.Sprint(msg.Body),
			}
		}
		channels[strconv.Itoa(int(from))] = list
	}
	return map[string]any{
		"state":    fmt.Sprint(r.State),
		"vector":   vectorList(r.Vector),
		"channels": channels,
	}
}

// GlobalStruct encodes a global snapshot of a cluster with size nodes.
func GlobalStruct(g snapshot.Global, size int) (*structpb.Struct, error) {
	records := make(map[string]any, len(g))
	inFlight := 0
	for id, r := range g {
		records[strconv.Itoa(int(id))] = recordMap(r)
		inFlight += r.InFlight()
	}

	m := map[string]any{
		"complete":  len(g) == size,
		"in_flight": int64(inFlight),
		"records":   records,
	}
	if len(g) == size {
		if err := g.Verify(); err != nil {
			m["consistent"] = false
			m["error"] = err.Error()
		} else {
			m["consistent"] = true
		}
	}
	return toStruct(m)
}

// MarshalJSON renders a structpb message as indented JSON.
func MarshalJSON(s *structpb.Struct) ([]byte, error) {
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
}
