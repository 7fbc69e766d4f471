package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kestrelio/kestrel/ops"
	"github.com/kestrelio/kestrel/runtime"
	"github.com/kestrelio/kestrel/task"
)

func newFutexDemoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "futex-demo [workers]",
		Short: "Fan N coroutines through a futex-backed semaphore of permit 1",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runFutexDemo,
	}
	return cmd
}

func runFutexDemo(cmd *cobra.Command, args []string) error {
	workers := 8
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid worker count %q: %w", args[0], err)
		}
		workers = n
	}

	rt, err := runtime.New()
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run() }()

	task.Spawn(rt, func(c *task.Context) struct{} {
		sem := ops.NewSemaphore(rt, 1)
		tasks := make([]*task.Task[struct{}], workers)
		for i := range tasks {
			id := i
			tasks[i] = task.Spawn(rt, func(c *task.Context) struct{} {
				sem.Acquire(c)
				fmt.Printf("worker %d holds the permit\n", id)
				sem.Release(c, 1)
				return struct{}{}
			})
		}
		for _, t := range tasks {
			t.Get(c)
		}
		return struct{}{}
	}).Wait()

	rt.AllowExit()
	return <-runErr
}
