package nfqueue

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takehaya/nfqbridge/pkg/wire"
)

func accept(id uint32) Verdict { return Verdict{ID: id, Decision: Decision{Kind: Accept}} }

func TestIssue(t *testing.T) {
	f := newFakeTransport()
	h := bindFake(t, f, testConfig())
	d := NewDispatcher(h)

	require.NoError(t, d.Issue(context.Background(), accept(1)))
	require.NoError(t, d.Issue(context.Background(), Verdict{ID: 2, Decision: Decision{Kind: Repeat}.WithMark(42)}))
	require.NoError(t, d.Issue(context.Background(), Verdict{ID: 3, Decision: Decision{Kind: Requeue, Target: 5}}))
	require.NoError(t, d.Issue(context.Background(), Verdict{ID: 4, Decision: Decision{Kind: Accept, Payload: []byte{1, 2, 3}}}))

	frames := f.frames(t)[4:]
	assert.Equal(t, []string{"verdict:1:accept", "verdict:2:repeat:mark=42", "verdict:3:queue(5)", "verdict:4:accept"}, f.log(t)[4:])
	assert.Equal(t, []byte{1, 2, 3}, frames[3].payload)
}

func TestIssueRejects(t *testing.T) {
	f := newFakeTransport()
	h := bindFake(t, f, Config{CopyMode: CopyMeta})
	d := NewDispatcher(h)

	err := d.Issue(context.Background(), Verdict{ID: 1, Decision: Decision{Kind: Accept, Payload: []byte{1}}})
	require.ErrorIs(t, err, ErrPayloadNotAllowed)
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, uint32(1), de.ID)

	err = d.Issue(context.Background(), Verdict{ID: 2, Decision: Decision{Kind: Stolen}})
	require.ErrorIs(t, err, ErrStolenVerdict)

	// Nothing reached the wire.
	assert.Len(t, f.log(t), 4)
}

func TestIssueRejectsOversizePayload(t *testing.T) {
	f := newFakeTransport()
	h := bindFake(t, f, testConfig())
	d := NewDispatcher(h)

	err := d.Issue(context.Background(), Verdict{ID: 1, Decision: Decision{Kind: Accept, Payload: make([]byte, wire.MaxPayloadLen+1)}})
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, uint32(1), de.ID)
	assert.Len(t, f.log(t), 4)

	require.NoError(t, d.Issue(context.Background(), Verdict{ID: 2, Decision: Decision{Kind: Accept, Payload: make([]byte, wire.MaxPayloadLen)}}))
	assert.Equal(t, []string{"verdict:2:accept"}, f.log(t)[4:])
}

func TestIssueBatch(t *testing.T) {
	marked := Decision{Kind: Accept}.WithMark(9)
	tests := []struct {
		name  string
		batch bool
		setup func(d *Dispatcher)
		vs    []Verdict
		want  []string
	}{
		{
			name:  "coalesces consecutive runs",
			batch: true,
			vs: []Verdict{
				accept(1), accept(2), accept(3),
				{ID: 4, Decision: Decision{Kind: Drop}},
				{ID: 5, Decision: marked}, {ID: 6, Decision: marked},
				{ID: 7, Decision: Decision{Kind: Accept, Payload: []byte{0x45}}},
			},
			want: []string{"batch:3:accept", "verdict:4:drop", "batch:6:accept:mark=9", "verdict:7:accept"},
		},
		{
			name:  "gap breaks a run",
			batch: true,
			vs:    []Verdict{accept(1), accept(2), accept(4), accept(5)},
			want:  []string{"batch:2:accept", "batch:5:accept"},
		},
		{
			name:  "batching disabled",
			batch: false,
			vs:    []Verdict{accept(1), accept(2)},
			want:  []string{"verdict:1:accept", "verdict:2:accept"},
		},
		{
			name:  "id wrap",
			batch: true,
			vs:    []Verdict{accept(math.MaxUint32 - 1), accept(math.MaxUint32), accept(0), accept(1)},
			want: []string{
				"verdict:4294967294:accept", "verdict:4294967295:accept",
				"verdict:0:accept", "verdict:1:accept",
			},
		},
		{
			name:  "stolen packet outstanding",
			batch: true,
			setup: func(d *Dispatcher) { d.hold() },
			vs:    []Verdict{accept(2), accept(3)},
			want:  []string{"verdict:2:accept", "verdict:3:accept"},
		},
		{
			name:  "unanswered packet in kernel",
			batch: true,
			setup: func(d *Dispatcher) { d.abandon() },
			vs:    []Verdict{accept(2), accept(3)},
			want:  []string{"verdict:2:accept", "verdict:3:accept"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeTransport()
			cfg := testConfig()
			cfg.Batch = tt.batch
			h := bindFake(t, f, cfg)
			d := NewDispatcher(h)
			if tt.setup != nil {
				tt.setup(d)
			}

			require.NoError(t, d.IssueBatch(context.Background(), tt.vs))
			assert.Equal(t, tt.want, f.log(t)[4:])
		})
	}
}

func TestIssueBatchPartialFailure(t *testing.T) {
	f := newFakeTransport()
	cfg := testConfig()
	cfg.Batch = true
	h := bindFake(t, f, cfg)
	d := NewDispatcher(h)

	sendErr := errors.New("boom")
	f.failSends(1, sendErr)

	vs := []Verdict{accept(1), accept(2), {ID: 3, Decision: Decision{Kind: Drop}}, accept(4)}
	err := d.IssueBatch(context.Background(), vs)

	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 2, be.Delivered)
	assert.ErrorIs(t, err, sendErr)
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, uint32(3), de.ID)
	assert.Equal(t, []string{"batch:2:accept"}, f.log(t)[4:])

	// A failed verdict leaves a packet in the kernel; coalescing stays off.
	f.failSends(100, nil)
	require.NoError(t, d.IssueBatch(context.Background(), []Verdict{accept(5), accept(6)}))
	assert.Equal(t, []string{"batch:2:accept", "verdict:5:accept", "verdict:6:accept"}, f.log(t)[4:])
}

func TestJoinable(t *testing.T) {
	base := accept(1)
	tests := []struct {
		name string
		next Verdict
		want bool
	}{
		{name: "consecutive", next: accept(2), want: true},
		{name: "not consecutive", next: accept(3), want: false},
		{name: "different kind", next: Verdict{ID: 2, Decision: Decision{Kind: Drop}}, want: false},
		{name: "different mark", next: Verdict{ID: 2, Decision: Decision{Kind: Accept}.WithMark(1)}, want: false},
		{name: "payload", next: Verdict{ID: 2, Decision: Decision{Kind: Accept, Payload: []byte{}}}, want: false},
	}
	for _, tt := range tests {
		if got := joinable(base, tt.next); got != tt.want {
			t.Errorf("%s: joinable = %v, want %v", tt.name, got, tt.want)
		}
	}
}
