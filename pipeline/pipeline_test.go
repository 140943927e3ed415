package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smnsjas/go-pseshost/objects"
)

func TestRequestValidate(t *testing.T) {
	noop := func(context.Context) (any, error) { return nil, nil }

	tests := []struct {
		name    string
		req     *Request
		wantErr bool
	}{
		{name: "Command", req: NewCommandRequest(objects.NewPSCommand().AddCommand("Get-Date"), PriorityNormal, Options{})},
		{name: "Script", req: NewScriptRequest("1+1", PriorityNormal, Options{})},
		{name: "Delegate", req: NewDelegateRequest("noop", noop, PriorityNormal, Options{})},
		{name: "Empty", req: &Request{}, wantErr: true},
		{name: "EmptyCommand", req: NewCommandRequest(objects.NewPSCommand(), PriorityNormal, Options{}), wantErr: true},
		{name: "Both", req: &Request{Script: "x", Delegate: noop}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestRequestPSCommandAndString(t *testing.T) {
	script := NewScriptRequest("Get-Date", PriorityREPL, Options{})
	if !script.PSCommand().IsSingleScript() {
		t.Error("script request should wrap a single script command")
	}
	if script.String() != "Get-Date" {
		t.Errorf("String = %q", script.String())
	}

	cmd := NewCommandRequest(objects.NewPSCommand().AddCommand("Get-Item").AddParameter("Path", "a"), PriorityNormal, Options{})
	if cmd.String() != "Get-Item -Path 'a'" {
		t.Errorf("String = %q", cmd.String())
	}

	del := NewDelegateRequest("capture", func(context.Context) (any, error) { return nil, nil }, PriorityNormal, Options{})
	if del.String() != "delegate(capture)" || !del.IsDelegate() {
		t.Errorf("String = %q", del.String())
	}
}

func TestPriorityOrderingAndStopped(t *testing.T) {
	if !(PriorityREPL < PriorityNormal && PriorityNormal < PriorityIntrospection && PriorityIntrospection < PriorityDebuggerResume) {
		t.Fatal("priority order broken")
	}
	for p, want := range map[Priority]bool{
		PriorityREPL:           false,
		PriorityNormal:         false,
		PriorityIntrospection:  true,
		PriorityDebuggerResume: true,
	} {
		if p.AllowedWhileStopped() != want {
			t.Errorf("%s.AllowedWhileStopped() = %v", p, !want)
		}
	}
	if Priority(7).String() != "Unknown(7)" {
		t.Errorf("got %q", Priority(7).String())
	}
}

func TestTaskLifecycle(t *testing.T) {
	task := NewTask(NewScriptRequest("x", PriorityNormal, Options{}))
	if task.State() != StateNotStarted {
		t.Fatalf("expected NotStarted, got %v", task.State())
	}
	if !task.Start() {
		t.Fatal("Start should succeed once")
	}
	if task.Start() {
		t.Fatal("Start should fail the second time")
	}

	want := &Result{Output: []any{1}}
	if !task.Complete(want) {
		t.Fatal("Complete should succeed")
	}
	if task.Fail(errors.New("late")) || task.Cancel(nil) {
		t.Fatal("only the first completion wins")
	}

	got, err := task.Wait(context.Background())
	if err != nil || got != want {
		t.Errorf("Wait = %v, %v", got, err)
	}
	if task.State() != StateCompleted {
		t.Errorf("expected Completed, got %v", task.State())
	}
}

func TestTaskCancel(t *testing.T) {
	task := NewTask(NewScriptRequest("x", PriorityNormal, Options{}))
	task.Cancel(context.Canceled)
	if task.Start() {
		t.Error("canceled task must not start")
	}

	_, err := task.Wait(context.Background())
	if !errors.Is(err, ErrCanceled) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected ErrCanceled, got %v", err)
	}

	timeout := NewTask(NewScriptRequest("x", PriorityNormal, Options{}))
	timeout.Cancel(context.DeadlineExceeded)
	_, err = timeout.Outcome()
	if !errors.Is(err, ErrCanceled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected wrapped deadline, got %v", err)
	}
}

func TestTaskFail(t *testing.T) {
	boom := errors.New("boom")
	task := NewTask(NewScriptRequest("x", PriorityNormal, Options{}))
	task.Start()
	task.Fail(boom)

	res, err := task.Outcome()
	if res != nil || !errors.Is(err, boom) {
		t.Errorf("Outcome = %v, %v", res, err)
	}
	if task.State() != StateFailed {
		t.Errorf("expected Failed, got %v", task.State())
	}
}

func TestTaskWaitContext(t *testing.T) {
	task := NewTask(NewScriptRequest("x", PriorityNormal, Options{}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := task.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline, got %v", err)
	}
	if task.State() != StateNotStarted {
		t.Error("Wait timeout must not change task state")
	}
}

func TestTaskConcurrentCompletion(t *testing.T) {
	task := NewTask(NewScriptRequest("x", PriorityNormal, Options{}))
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			if i%2 == 0 {
				ok = task.Complete(nil)
			} else {
				ok = task.Cancel(nil)
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one completion, got %d", wins)
	}
	<-task.Done()
}

func TestResultHadErrors(t *testing.T) {
	var nilResult *Result
	if nilResult.HadErrors() {
		t.Error("nil result has no errors")
	}
	r := &Result{Errors: []*objects.ErrorRecord{objects.NewErrorRecord("x")}}
	if !r.HadErrors() {
		t.Error("expected HadErrors")
	}
}
