package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kestrelio/kestrel/ops"
	"github.com/kestrelio/kestrel/runtime"
	"github.com/kestrelio/kestrel/task"
)

func newEchoServerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "echo-server <host> <port>",
		Short: "Run a coroutine-per-connection echo server",
		Args:  cobra.ExactArgs(2),
		RunE:  runEchoServer,
	}
}

func runEchoServer(cmd *cobra.Command, args []string) error {
	host := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", args[1], err)
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listening on %s:%d: %w", host, port, err)
	}
	file, err := listener.(*net.TCPListener).File()
	if err != nil {
		return fmt.Errorf("extracting listener fd: %w", err)
	}
	defer file.Close()
	listener.Close() // file holds a dup'd fd, the socket stays open

	rt, err := runtime.New()
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run() }()

	fmt.Printf("echo server listening on %s:%d\n", host, port)

	task.Spawn(rt, func(c *task.Context) struct{} {
		op := ops.MultiShotAccept(rt, int(file.Fd()), nil, nil, 0, func(fd int) {
			fmt.Printf("accepted connection, fd:%d\n", fd)
			task.Spawn(rt, func(c *task.Context) struct{} {
				handleConnection(c, fd)
				return struct{}{}
			}).Detach()
		})
		c.Await(op)
		return struct{}{}
	}).Detach()

	return <-runErr
}

// handleConnection is the coroutine body per accepted connection
// (condy's handle_client): echo whatever it reads back until the peer
// closes or an I/O error ends the loop.
func handleConnection(c *task.Context, fd int) {
	rt := c.Runtime()
	buf := make([]byte, 4096)
	for {
		n := c.Await(ops.Recv(rt, fd, buf, 0))
		if n <= 0 {
			break
		}
		if w := c.Await(ops.Send(rt, fd, buf[:n], 0)); w < 0 {
			fmt.Fprintf(os.Stderr, "write error on fd %d: %d\n", fd, w)
			break
		}
	}
	c.Await(ops.Close(rt, fd))
	fmt.Printf("connection closed, fd:%d\n", fd)
}
