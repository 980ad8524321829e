//go:build linux

package capture

import (
	"reflect"
	"testing"

	"go2tv.app/screenrec/internal/portal"
)

func TestContentFromStreams(t *testing.T) {
	tests := []struct {
		name    string
		streams []portal.Stream
		want    Content
	}{
		{
			name: "monitor and window",
			streams: []portal.Stream{
				{NodeID: 41, ID: "m0", SourceType: portal.SourceTypeMonitor, Size: [2]int32{2560, 1440}},
				{NodeID: 42, ID: "w0", SourceType: portal.SourceTypeWindow, MappingID: "org.example.editor"},
			},
			want: Content{
				Displays: []Display{{ID: "m0", Width: 2560, Height: 1440, NodeID: 41}},
				Windows:  []Window{{ID: "w0", OwnerID: "org.example.editor", NodeID: 42}},
			},
		},
		{
			name: "missing id falls back to node",
			streams: []portal.Stream{
				{NodeID: 7, SourceType: portal.SourceTypeMonitor, Size: [2]int32{1920, 1080}},
				{NodeID: 8, SourceType: portal.SourceTypeWindow},
			},
			want: Content{
				Displays: []Display{{ID: "node:7", Width: 1920, Height: 1080, NodeID: 7}},
				Windows:  []Window{{ID: "node:8", NodeID: 8}},
			},
		},
		{
			name: "zero sized monitor skipped",
			streams: []portal.Stream{
				{NodeID: 3, ID: "m0", SourceType: portal.SourceTypeMonitor},
				{NodeID: 4, ID: "m1", SourceType: portal.SourceTypeMonitor, Size: [2]int32{1280, 0}},
				{NodeID: 5, ID: "m2", SourceType: portal.SourceTypeMonitor, Size: [2]int32{1280, 720}},
			},
			want: Content{
				Displays: []Display{{ID: "m2", Width: 1280, Height: 720, NodeID: 5}},
			},
		},
		{
			name:    "unknown type treated as monitor",
			streams: []portal.Stream{{NodeID: 9, ID: "v0", SourceType: 4, Size: [2]int32{800, 600}}},
			want:    Content{Displays: []Display{{ID: "v0", Width: 800, Height: 600, NodeID: 9}}},
		},
		{
			name: "no streams",
			want: Content{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := contentFromStreams(tt.streams)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("contentFromStreams() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSourceTypes(t *testing.T) {
	both := portal.SourceTypeMonitor | portal.SourceTypeWindow
	tests := []struct {
		name      string
		available uint32
		want      uint32
	}{
		{"unknown", 0, both},
		{"monitor only", portal.SourceTypeMonitor, portal.SourceTypeMonitor},
		{"monitor window virtual", both | 4, both},
		{"window only", portal.SourceTypeWindow, portal.SourceTypeMonitor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sourceTypes(tt.available); got != tt.want {
				t.Errorf("sourceTypes(%d) = %d, want %d", tt.available, got, tt.want)
			}
		})
	}
}
