package pdo

import (
	"testing"

	canopen "github.com/canopen-go/canopen"
	"github.com/canopen-go/canopen/pkg/emergency"
	"github.com/canopen-go/canopen/pkg/od"
	"github.com/stretchr/testify/assert"
)

// discardBus is a no-op [canopen.Bus] that swallows every frame, used to
// benchmark TPDO transmission without a real or virtual CAN link.
type discardBus struct{}

func (discardBus) Connect(...any) error           { return nil }
func (discardBus) Disconnect() error               { return nil }
func (discardBus) Send(frame canopen.Frame) error  { return nil }
func (discardBus) Subscribe(canopen.FrameListener) {}

func BenchmarkTPDOSend(b *testing.B) {
	b.StopTimer()
	bm := canopen.NewBusManager(discardBus{})
	odict := od.Default()
	tpdo, err := NewTPDO(bm, nil, odict, &emergency.EMCY{}, nil, odict.Index(0x1801), odict.Index(0x1A01), 0)
	assert.Nil(b, err)
	b.StartTimer()
	for n := 0; n < b.N; n++ {
		err := tpdo.send()
		assert.Nil(b, err)
	}
}
