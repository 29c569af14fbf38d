package wbqueue

import (
	"sync"
	"testing"
	"time"
)

func TestQueueWorkFIFOPerDevice(t *testing.T) {
	d := NewDispatcher()
	d.Register("sda")

	j1 := d.SubmitOpportunistic(JobArgs{NrPages: 1}, []string{"sda"})
	j2 := d.SubmitOpportunistic(JobArgs{NrPages: 2}, []string{"sda"})

	if got := d.NextJob("sda"); got != j1 {
		t.Fatalf("expected FIFO order, got job with NrPages=%d first", got.Args.NrPages)
	}
	if got := d.NextJob("sda"); got != j2 {
		t.Fatalf("expected second job next, got NrPages=%d", got.Args.NrPages)
	}
}

// invariant 5: a job submitted to several devices is unlinked from the
// dispatcher's in-flight set exactly once, only when every targeted
// device has cleared it — never early, never more than once.
func TestClearPendingUnlinksOnlyOnLastDevice(t *testing.T) {
	d := NewDispatcher()
	devices := []string{"sda", "sdb", "sdc"}
	for _, dev := range devices {
		d.Register(dev)
	}

	job := d.SubmitOpportunistic(JobArgs{}, devices)
	if d.InFlight() != 1 {
		t.Fatalf("expected 1 in-flight job, got %d", d.InFlight())
	}

	for _, dev := range devices[:len(devices)-1] {
		got := d.NextJob(dev)
		if got != job {
			t.Fatalf("expected the same job on every targeted device")
		}
		d.ClearPending(got)
		if d.InFlight() != 1 {
			t.Fatalf("job must stay in flight until every device clears it")
		}
	}

	last := d.NextJob(devices[len(devices)-1])
	d.ClearPending(last)
	if d.InFlight() != 0 {
		t.Fatalf("expected job unlinked after last device cleared it, InFlight=%d", d.InFlight())
	}
}

func TestSubmitSyncBlocksUntilAllDevicesClear(t *testing.T) {
	d := NewDispatcher()
	devices := []string{"sda", "sdb"}
	for _, dev := range devices {
		d.Register(dev)
	}

	done := make(chan struct{})
	go func() {
		d.SubmitSync(JobArgs{}, devices)
		close(done)
	}()

	// Neither device has cleared the job; the submitter must still be
	// blocked.
	select {
	case <-done:
		t.Fatalf("SubmitSync returned before any device cleared its pending count")
	case <-time.After(20 * time.Millisecond):
	}

	job := d.NextJob("sda")
	d.ClearPending(job)

	select {
	case <-done:
		t.Fatalf("SubmitSync returned after only one of two devices cleared it")
	case <-time.After(20 * time.Millisecond):
	}

	job2 := d.NextJob("sdb")
	d.ClearPending(job2)

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("SubmitSync never returned after both devices cleared the job")
	}
}

func TestNextJobBlocksUntilSubmitted(t *testing.T) {
	d := NewDispatcher()
	d.Register("sda")

	var wg sync.WaitGroup
	wg.Add(1)
	var got *Job
	go func() {
		defer wg.Done()
		got = d.NextJob("sda")
	}()

	time.Sleep(10 * time.Millisecond)
	job := d.SubmitOpportunistic(JobArgs{NrPages: 5}, []string{"sda"})
	wg.Wait()

	if got != job {
		t.Fatalf("expected blocked NextJob caller to receive the submitted job")
	}
}

func TestCloseDrainsThenReturnsNil(t *testing.T) {
	d := NewDispatcher()
	d.Register("sda")
	job := d.SubmitOpportunistic(JobArgs{}, []string{"sda"})

	if got := d.NextJob("sda"); got != job {
		t.Fatalf("expected queued job before close")
	}

	done := make(chan *Job)
	go func() { done <- d.NextJob("sda") }()
	time.Sleep(10 * time.Millisecond)
	d.Close("sda")

	if got := <-done; got != nil {
		t.Fatalf("expected nil from NextJob after Close drains an empty queue, got %v", got)
	}
}
