package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kestrelio/kestrel"
	"github.com/kestrelio/kestrel/internal/sys"
)

var interestingOps = []struct {
	name string
	op   sys.Op
}{
	{"READ", sys.IORING_OP_READ},
	{"WRITE", sys.IORING_OP_WRITE},
	{"SEND", sys.IORING_OP_SEND},
	{"RECV", sys.IORING_OP_RECV},
	{"ACCEPT", sys.IORING_OP_ACCEPT},
	{"OPENAT", sys.IORING_OP_OPENAT},
	{"CLOSE", sys.IORING_OP_CLOSE},
	{"TIMEOUT", sys.IORING_OP_TIMEOUT},
	{"MSG_RING", sys.IORING_OP_MSG_RING},
	{"FUTEX_WAIT", sys.IORING_OP_FUTEX_WAIT},
}

var (
	yesStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	noStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)
)

func newProbeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Report which io_uring operations this kernel supports",
		RunE:  runProbe,
	}
}

func runProbe(cmd *cobra.Command, args []string) error {
	ring, err := kestrel.New(64)
	if err != nil {
		return fmt.Errorf("opening a probe ring: %w", err)
	}
	defer ring.Close()

	probe, err := ring.Probe()
	if err != nil {
		return fmt.Errorf("registering probe: %w", err)
	}

	fmt.Println(headerStyle.Render("io_uring feature probe"))
	fmt.Printf("highest supported opcode: %d\n\n", probe.LastOp())

	for _, o := range interestingOps {
		mark := noStyle.Render("no")
		if probe.SupportsOp(o.op) {
			mark = yesStyle.Render("yes")
		}
		fmt.Printf("  %-12s %s\n", o.name, mark)
	}

	fmt.Println()
	fmt.Printf("single mmap:        %v\n", ring.HasSingleMmap())
	fmt.Printf("no-drop CQ:         %v\n", ring.HasNoDrop())
	fmt.Printf("submit-stable bufs: %v\n", ring.HasSubmitStable())
	fmt.Printf("fast poll:          %v\n", ring.HasFastPoll())
	return nil
}
