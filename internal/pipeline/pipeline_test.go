package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/aosc-dev/mkrawimg-go/internal/device"
	"github.com/aosc-dev/mkrawimg-go/internal/mkerrors"
)

func TestBuildRejectsUnknownDevice(t *testing.T) {
	reg := &device.Registry{}
	_, err := Build(context.Background(), reg, BuildRequest{DeviceID: "no-such-device", Variant: "base"})
	if err == nil {
		t.Fatal("expected an error for an unknown device id")
	}
}

func TestCheckCancelledReturnsNilForLiveContext(t *testing.T) {
	if err := checkCancelled(context.Background()); err != nil {
		t.Fatalf("checkCancelled(live ctx) = %v, want nil", err)
	}
}

func TestCheckCancelledReportsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := checkCancelled(ctx)
	var me *mkerrors.Error
	if !errors.As(err, &me) || me.Kind() != mkerrors.KindCancelled {
		t.Fatalf("checkCancelled(cancelled ctx) = %v, want KindCancelled", err)
	}
}

func TestCheckCancelledReportsTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	err := checkCancelled(ctx)
	var me *mkerrors.Error
	if !errors.As(err, &me) || me.Kind() != mkerrors.KindTimeout {
		t.Fatalf("checkCancelled(expired ctx) = %v, want KindTimeout", err)
	}
}

func TestTeardownUnwindsInReverseOrder(t *testing.T) {
	var order []int
	td := &teardown{}
	td.push(func() error { order = append(order, 1); return nil })
	td.push(func() error { order = append(order, 2); return nil })
	td.push(func() error { order = append(order, 3); return nil })

	if err := td.unwind(); err != nil {
		t.Fatalf("unwind: %v", err)
	}
	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTeardownCollectsAllErrorsAndRunsEveryAction(t *testing.T) {
	ran := 0
	td := &teardown{}
	td.push(func() error { ran++; return errors.New("first failure") })
	td.push(func() error { ran++; return errors.New("second failure") })

	err := td.unwind()
	if err == nil {
		t.Fatal("expected unwind to return a joined error")
	}
	if ran != 2 {
		t.Fatalf("expected both teardown actions to run even though the first failed, ran=%d", ran)
	}
}
