package mgmt

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestListenServesSnapshotOverJSONCodec(t *testing.T) {
	ex := openTestExchange(t)
	svc := New(ex)
	runner := NewRunner()

	gs, lis, err := Listen("127.0.0.1:0", svc, runner)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer gs.Stop()

	conn, err := grpc.Dial(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		t.Fatalf("grpc.Dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var snap Snapshot
	if err := conn.Invoke(ctx, "/persistitgo.Management/GetSnapshot", &emptyRequest{}, &snap); err != nil {
		t.Fatalf("Invoke GetSnapshot: %v", err)
	}

	var startResp startTaskResponse
	startReq := &startTaskRequest{Name: "missing", CommandLine: "", TimeoutMs: 1000}
	if err := conn.Invoke(ctx, "/persistitgo.Management/StartTask", startReq, &startResp); err != nil {
		t.Fatalf("Invoke StartTask: %v", err)
	}
	if startResp.Error == "" {
		t.Fatal("expected error starting an unregistered task over gRPC")
	}
}
