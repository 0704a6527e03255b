package metrics

import (
	"testing"
)

func TestSnapMirrorsCounters(t *testing.T) {
	before := Snap()
	IncCANRx()
	IncUDPTx(3)
	AddDropped(QueueTx, 2)
	AddDropped(QueueRx, 1)
	IncError(ErrUDPRead)
	after := Snap()
	if after.CANRx != before.CANRx+1 {
		t.Fatalf("CANRx %d -> %d", before.CANRx, after.CANRx)
	}
	if after.UDPTx != before.UDPTx+1 || after.UDPTxFrames != before.UDPTxFrames+3 {
		t.Fatalf("UDPTx not mirrored")
	}
	if after.TxDrops != before.TxDrops+2 || after.RxDrops != before.RxDrops+1 {
		t.Fatalf("drops not mirrored")
	}
	if after.Errors != before.Errors+1 {
		t.Fatalf("errors not mirrored")
	}
}

func TestReadiness(t *testing.T) {
	t.Cleanup(func() { SetReadinessFunc(nil) })
	if !IsReady() {
		t.Fatalf("unset readiness should report ready")
	}
	SetReadinessFunc(func() bool { return false })
	if IsReady() {
		t.Fatalf("readiness func ignored")
	}
}
