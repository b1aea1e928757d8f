package rawsock

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"golang.org/x/sys/unix"
)

// skbPktTypeOffset is the offset of pkt_type in struct __sk_buff.
const skbPktTypeOffset = 4

// egressFilterInstructions drops the copies of our own transmitted
// frames that AF_PACKET loops back to every packet socket on the
// device, and accepts everything else.
func egressFilterInstructions() asm.Instructions {
	return asm.Instructions{
		asm.LoadMem(asm.R0, asm.R1, skbPktTypeOffset, asm.Word),
		asm.JEq.Imm(asm.R0, unix.PACKET_OUTGOING, "drop"),
		asm.Mov.Imm32(asm.R0, -1),
		asm.Return(),
		asm.Mov.Imm(asm.R0, 0).WithSymbol("drop"),
		asm.Return(),
	}
}

// loadEgressFilter loads the egress filter as a socket filter program.
func loadEgressFilter() (*ebpf.Program, error) {
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "fabricmon_rx",
		Type:         ebpf.SocketFilter,
		License:      "GPL",
		Instructions: egressFilterInstructions(),
	})
	if err != nil {
		return nil, fmt.Errorf("load socket filter: %w", err)
	}
	return prog, nil
}

// attachFilter attaches prog to the socket fd. The socket holds its
// own reference; prog may be closed afterwards.
func attachFilter(fd int, prog *ebpf.Program) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ATTACH_BPF, prog.FD()); err != nil {
		return fmt.Errorf("attach socket filter: %w", err)
	}
	return nil
}

// outgoing reports whether a frame received on a packet socket is a
// copy of one sent from this host.
func outgoing(sa unix.Sockaddr) bool {
	ll, ok := sa.(*unix.SockaddrLinklayer)
	return ok && ll.Pkttype == unix.PACKET_OUTGOING
}
