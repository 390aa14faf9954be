package netstack

import (
	"errors"
	"time"

	"github.com/tsandall/netstack-adapter/connctrl"
	"github.com/tsandall/netstack-adapter/demux"
	"github.com/tsandall/netstack-adapter/device"
	"github.com/tsandall/netstack-adapter/engine"
	"github.com/tsandall/netstack-adapter/ipfilter"
	"github.com/tsandall/netstack-adapter/listener"
	"github.com/tsandall/netstack-adapter/tcpengine"
	"github.com/tsandall/netstack-adapter/types/logger"
	"github.com/tsandall/netstack-adapter/udpendpoint"
)

// ErrICMPWithoutTCP is returned by Build: ICMP answers are
// synthesized by the engine that backs the TCP path, so enabling ICMP
// without TCP can never do anything.
var ErrICMPWithoutTCP = errors.New("netstack: enable_icmp requires enable_tcp")

// Builder assembles a Stack from a set of buffer-size and
// protocol-toggle options.
type Builder struct {
	StackBufferSize int // egress frame channel capacity; default 1024
	UdpBufferSize   int // ingress UDP queue capacity; default 512
	TcpBufferSize   int // ingress TCP queue capacity; default 512
	MTU             uint32

	EnableTCP  bool
	EnableUDP  bool
	EnableICMP bool

	Filters []ipfilter.Predicate

	SendBufferSize int
	RecvBufferSize int
	TCPKeepAlive   time.Duration
	TCPIdleTimeout time.Duration
	AcceptBacklog  int

	Logf logger.Logf
}

// NewBuilder returns a Builder preset with sensible defaults, with
// every protocol toggle off until the caller opts in.
func NewBuilder() *Builder {
	return &Builder{
		StackBufferSize: 1024,
		UdpBufferSize:   512,
		TcpBufferSize:   512,
		MTU:             device.DefaultMTU,
		SendBufferSize:  connctrl.DefaultSendBufferSize,
		RecvBufferSize:  connctrl.DefaultRecvBufferSize,
		TCPKeepAlive:    28 * time.Second,
		TCPIdleTimeout:  7200 * time.Second,
		AcceptBacklog:   64,
	}
}

// AddFilter appends a predicate to the ingress filter chain.
func (b *Builder) AddFilter(p ipfilter.Predicate) *Builder {
	b.Filters = append(b.Filters, p)
	return b
}

// Build constructs the wired Stack. Runner, Listener, and Udp are nil
// on the returned Stack when the corresponding protocol is disabled.
func (b *Builder) Build() (*Stack, error) {
	if b.EnableICMP && !b.EnableTCP {
		return nil, ErrICMPWithoutTCP
	}

	logf := b.Logf
	if logf == nil {
		logf = logger.Discard
	}

	dev := device.New(b.StackBufferSize, b.MTU)

	filter := ipfilter.New(b.Filters...)

	tcpCap := 0
	if b.EnableTCP {
		tcpCap = b.TcpBufferSize
	}
	udpCap := 0
	if b.EnableUDP {
		udpCap = b.UdpBufferSize
	}
	queues := demux.NewQueues(tcpCap, udpCap)

	dmx := &demux.Demultiplexer{
		Filter:     filter,
		EnableTCP:  b.EnableTCP,
		EnableUDP:  b.EnableUDP,
		EnableICMP: b.EnableICMP,
		Logf:       logf,
	}

	s := &Stack{dev: dev, demux: dmx, queues: queues, logf: logf}

	if b.EnableTCP {
		cfg := engine.Config{
			SendBufferSize: b.SendBufferSize,
			RecvBufferSize: b.RecvBufferSize,
			KeepAlive:      b.TCPKeepAlive,
			IdleTimeout:    b.TCPIdleTimeout,
			AcceptBacklog:  b.AcceptBacklog,
		}
		gs, err := engine.NewGvisorStack(dev, cfg, logf)
		if err != nil {
			return nil, err
		}
		ln := listener.New(b.AcceptBacklog)
		drvCfg := tcpengine.Config{
			SendBufferSize: b.SendBufferSize,
			RecvBufferSize: b.RecvBufferSize,
			KeepAlive:      b.TCPKeepAlive,
			IdleTimeout:    b.TCPIdleTimeout,
			AcceptBacklog:  b.AcceptBacklog,
		}
		drv := tcpengine.New(dev, gs, queues, ln, drvCfg, logf)

		s.eng = gs
		s.Runner = drv
		s.Listener = ln
	}

	if b.EnableUDP {
		s.Udp = udpendpoint.New(queues.UDP, dev, logf)
	}

	return s, nil
}
