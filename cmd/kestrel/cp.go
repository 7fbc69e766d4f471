package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kestrelio/kestrel/ops"
	"github.com/kestrelio/kestrel/runtime"
	"github.com/kestrelio/kestrel/task"
)

const copyChunkSize = 4 << 20 // 4 MiB, condy's fast-cp uses 256 MiB chunks sized for NVMe; this keeps the demo's memory footprint modest

func newCpCommand() *cobra.Command {
	var link bool
	cmd := &cobra.Command{
		Use:   "cp <src> <dst>",
		Short: "Copy a file using async read/write instead of the stdlib",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCp(args[0], args[1], link)
		},
	}
	cmd.Flags().BoolVar(&link, "link", false, "chain each chunk's read and write as one kernel-side linked SQE pair (condy's link-cp)")
	return cmd
}

func runCp(src, dst string, link bool) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	size := info.Size()

	rt, err := runtime.New()
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run() }()

	copier := copyFile
	if link {
		copier = copyFileLinked
	}

	var copyErr error
	task.Spawn(rt, func(c *task.Context) struct{} {
		copyErr = copier(c, src, dst, size)
		return struct{}{}
	}).Wait()

	rt.AllowExit()
	if err := <-runErr; err != nil {
		return err
	}
	return copyErr
}

// copyFile mirrors condy's copy_file_task: open both ends, then read
// and write copyChunkSize at a time until the whole file has moved.
func copyFile(c *task.Context, src, dst string, size int64) error {
	rt := c.Runtime()

	infd := c.Await(ops.OpenatPath(rt, syscall.AT_FDCWD, src, os.O_RDONLY, 0))
	if infd < 0 {
		return fmt.Errorf("open %s: errno %d", src, -infd)
	}
	defer c.Await(ops.Close(rt, int(infd)))

	outfd := c.Await(ops.OpenatPath(rt, syscall.AT_FDCWD, dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644))
	if outfd < 0 {
		return fmt.Errorf("open %s: errno %d", dst, -outfd)
	}
	defer c.Await(ops.Close(rt, int(outfd)))

	buf := make([]byte, copyChunkSize)
	var offset int64
	for offset < size {
		want := int64(len(buf))
		if remaining := size - offset; remaining < want {
			want = remaining
		}
		chunk := buf[:want]

		n := c.Await(ops.Read(rt, int(infd), chunk, uint64(offset)))
		if n < 0 {
			return fmt.Errorf("read at offset %d: errno %d", offset, -n)
		}
		if n == 0 {
			break
		}
		if w := c.Await(ops.Write(rt, int(outfd), chunk[:n], uint64(offset))); w < 0 {
			return fmt.Errorf("write at offset %d: errno %d", offset, -w)
		}
		offset += int64(n)
	}
	return nil
}

// copyFileLinked mirrors condy's link-cp: each chunk's read and write
// are submitted as one IOSQE_IO_LINK chain so the kernel runs the write
// immediately after the read completes, without a round trip back into
// userspace between them. Unlike copyFile it can't shrink the chunk to
// whatever the read actually returned before issuing the write, so it
// trades a little tail-chunk waste for one fewer scheduler hop per chunk.
func copyFileLinked(c *task.Context, src, dst string, size int64) error {
	rt := c.Runtime()

	infd := c.Await(ops.OpenatPath(rt, syscall.AT_FDCWD, src, os.O_RDONLY, 0))
	if infd < 0 {
		return fmt.Errorf("open %s: errno %d", src, -infd)
	}
	defer c.Await(ops.Close(rt, int(infd)))

	outfd := c.Await(ops.OpenatPath(rt, syscall.AT_FDCWD, dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644))
	if outfd < 0 {
		return fmt.Errorf("open %s: errno %d", dst, -outfd)
	}
	defer c.Await(ops.Close(rt, int(outfd)))

	buf := make([]byte, copyChunkSize)
	var offset int64
	for offset < size {
		want := int64(len(buf))
		if remaining := size - offset; remaining < want {
			want = remaining
		}
		chunk := buf[:want]

		results, err := c.AwaitLink(
			ops.Read(rt, int(infd), chunk, uint64(offset)),
			ops.Write(rt, int(outfd), chunk, uint64(offset)),
		)
		if err != nil {
			return fmt.Errorf("reserving linked chunk at offset %d: %w", offset, err)
		}
		if results[0] < 0 || results[1] < 0 {
			return fmt.Errorf("linked copy at offset %d: read=%d write=%d", offset, results[0], results[1])
		}
		offset += want
	}
	return nil
}
