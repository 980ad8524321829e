package portal

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	interfaceName      = CallBaseName + ".ScreenCast"
	createSessionName  = interfaceName + ".CreateSession"
	selectSourcesName  = interfaceName + ".SelectSources"
	startName          = interfaceName + ".Start"
	openPipeWireRemote = interfaceName + ".OpenPipeWireRemote"
)

const (
	SourceTypeMonitor uint32 = 1
	SourceTypeWindow  uint32 = 2
)

const CursorModeEmbedded uint32 = 2

// ErrCancelled is returned when the user dismisses the portal chooser.
var ErrCancelled = errors.New("screen cast request was cancelled")

func getUint32Property(property string) (uint32, error) {
	value, err := getProperty(interfaceName, property)
	if err != nil {
		return 0, err
	}

	result, ok := value.(uint32)
	if !ok {
		return 0, fmt.Errorf("property %s returned unexpected type %T", property, value)
	}
	return result, nil
}

// AvailableSourceTypes is the bitmask of SourceType values the compositor
// can share.
func AvailableSourceTypes() (uint32, error) {
	return getUint32Property("AvailableSourceTypes")
}

// Stream is one PipeWire node granted by the portal.
type Stream struct {
	NodeID     uint32
	Position   [2]int32
	Size       [2]int32
	SourceType uint32
	MappingID  string
	ID         string
}

type Session struct {
	Path dbus.ObjectPath
}

type SelectSourcesOptions struct {
	Types      uint32
	Multiple   bool
	CursorMode uint32
}

func CreateSession(ctx context.Context) (*Session, error) {
	data := map[string]dbus.Variant{
		"handle_token":         fromString(newToken()),
		"session_handle_token": fromString(newToken()),
	}

	status, results, err := callRequest(ctx, createSessionName, data)
	if err != nil {
		return nil, err
	}
	if status >= Cancelled {
		return nil, ErrCancelled
	}

	sessionHandle, ok := results["session_handle"]
	if !ok {
		return nil, fmt.Errorf("CreateSession response missing session_handle")
	}
	sessionPath, ok := sessionHandle.Value().(string)
	if !ok {
		return nil, fmt.Errorf("CreateSession session_handle has unexpected type %T", sessionHandle.Value())
	}
	return &Session{Path: dbus.ObjectPath(sessionPath)}, nil
}

func (s *Session) SelectSources(ctx context.Context, options SelectSourcesOptions) error {
	data := map[string]dbus.Variant{
		"handle_token": fromString(newToken()),
	}
	if options.Types != 0 {
		data["types"] = fromUint32(options.Types)
	}
	if options.Multiple {
		data["multiple"] = fromBool(options.Multiple)
	}
	if options.CursorMode != 0 {
		data["cursor_mode"] = fromUint32(options.CursorMode)
	}

	status, _, err := callRequest(ctx, selectSourcesName, s.Path, data)
	if err != nil {
		return err
	}
	if status >= Cancelled {
		return ErrCancelled
	}
	return nil
}

func (s *Session) Start(ctx context.Context, parentWindow string) ([]Stream, error) {
	data := map[string]dbus.Variant{
		"handle_token": fromString(newToken()),
	}

	status, results, err := callRequest(ctx, startName, s.Path, parentWindow, data)
	if err != nil {
		return nil, err
	}
	if status >= Cancelled {
		return nil, ErrCancelled
	}

	streamVariant, ok := results["streams"]
	if !ok {
		return nil, nil
	}
	return parseStreams(streamVariant.Value()), nil
}

func parseStreams(value any) []Stream {
	var rawStreams [][]any
	if rs, ok := value.([][]any); ok {
		rawStreams = rs
	} else if rs, ok := value.([]any); ok {
		rawStreams = make([][]any, len(rs))
		for i, r := range rs {
			if s, ok := r.([]any); ok {
				rawStreams[i] = s
			}
		}
	} else {
		return nil
	}

	streams := []Stream{}
	for _, streamSlice := range rawStreams {
		if len(streamSlice) < 2 {
			continue
		}

		stream := Stream{}
		if nodeID, ok := streamSlice[0].(uint32); ok {
			stream.NodeID = nodeID
		}

		if props, ok := streamSlice[1].(map[string]dbus.Variant); ok {
			if pos, ok := props["position"]; ok {
				if position, ok := parseInt32Pair(pos.Value()); ok {
					stream.Position = position
				}
			}
			if size, ok := props["size"]; ok {
				if parsedSize, ok := parseInt32Pair(size.Value()); ok {
					stream.Size = parsedSize
				}
			}
			if sourceType, ok := props["source_type"]; ok {
				if parsedType, ok := sourceType.Value().(uint32); ok {
					stream.SourceType = parsedType
				}
			}
			if mappingID, ok := props["mapping_id"]; ok {
				if parsedID, ok := mappingID.Value().(string); ok {
					stream.MappingID = parsedID
				}
			}
			if id, ok := props["id"]; ok {
				if parsedID, ok := id.Value().(string); ok {
					stream.ID = parsedID
				}
			}
		}

		streams = append(streams, stream)
	}
	return streams
}

// OpenPipeWireRemote returns a file descriptor owned by the caller.
func (s *Session) OpenPipeWireRemote() (int, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return -1, err
	}

	c := conn.Object(ObjectName, ObjectPath).Call(openPipeWireRemote, 0, s.Path, map[string]dbus.Variant{})
	if c.Err != nil {
		return -1, c.Err
	}

	var fd dbus.UnixFD
	if err := c.Store(&fd); err != nil {
		return -1, err
	}
	return int(fd), nil
}

func parseInt32Pair(value any) ([2]int32, bool) {
	values, ok := value.([]any)
	if !ok || len(values) < 2 {
		return [2]int32{}, false
	}

	left, ok := values[0].(int32)
	if !ok {
		return [2]int32{}, false
	}
	right, ok := values[1].(int32)
	if !ok {
		return [2]int32{}, false
	}

	return [2]int32{left, right}, true
}

func (s *Session) Close() error {
	return callOnObject(s.Path, sessionClose)
}
