package server

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"connectrpc.com/connect"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/takehaya/nfqbridge/pkg/nfqueue"
)

// QueueServicePrefix names a single queue in a health check request, as in
// "queue/3". The empty service covers every queue.
const QueueServicePrefix = "queue/"

// StatusSource reports the lifecycle state of each served queue.
type StatusSource interface {
	QueueStates() map[uint16]nfqueue.State
}

func serving(s nfqueue.State) bool {
	return s == nfqueue.StateRunning || s == nfqueue.StateRecovering
}

// Overall reports whether every queue is serving, with a summary line.
func Overall(src StatusSource) (bool, string) {
	states := src.QueueStates()
	if len(states) == 0 {
		return false, "no queues"
	}
	queues := make([]int, 0, len(states))
	for q := range states {
		queues = append(queues, int(q))
	}
	sort.Ints(queues)

	ok := true
	parts := make([]string, 0, len(queues))
	for _, q := range queues {
		st := states[uint16(q)]
		if !serving(st) {
			ok = false
		}
		parts = append(parts, fmt.Sprintf("queue %d: %s", q, st))
	}
	return ok, strings.Join(parts, "\n") + "\n"
}

// NewHealthHandler serves grpc.health.v1.Health/Check through connect, so
// grpc, grpc-web and connect clients can all query it.
func NewHealthHandler(src StatusSource) (string, *connect.Handler) {
	check := func(_ context.Context, req *connect.Request[healthpb.HealthCheckRequest]) (*connect.Response[healthpb.HealthCheckResponse], error) {
		status, err := checkService(src, req.Msg.GetService())
		if err != nil {
			return nil, err
		}
		return connect.NewResponse(&healthpb.HealthCheckResponse{Status: status}), nil
	}
	path := healthpb.Health_Check_FullMethodName
	return path, connect.NewUnaryHandler(path, check)
}

func checkService(src StatusSource, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if service == "" {
		if ok, _ := Overall(src); ok {
			return healthpb.HealthCheckResponse_SERVING, nil
		}
		return healthpb.HealthCheckResponse_NOT_SERVING, nil
	}
	n, ok := strings.CutPrefix(service, QueueServicePrefix)
	if !ok {
		return 0, connect.NewError(connect.CodeNotFound, fmt.Errorf("unknown service %q", service))
	}
	q, err := strconv.ParseUint(n, 10, 16)
	if err != nil {
		return 0, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("bad queue number %q", n))
	}
	st, found := src.QueueStates()[uint16(q)]
	if !found {
		return 0, connect.NewError(connect.CodeNotFound, fmt.Errorf("queue %d not served", q))
	}
	if serving(st) {
		return healthpb.HealthCheckResponse_SERVING, nil
	}
	return healthpb.HealthCheckResponse_NOT_SERVING, nil
}
