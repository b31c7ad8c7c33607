// Package exitmon closes open positions whose stop-loss or target was hit,
// or that an operator kill switch covers.
package exitmon

import "signalrelay/internal/model"

// Decision is the verdict for one open order.
type Decision struct {
	Due      bool
	Reason   model.ExitReason
	SwitchID int64 // kill switch that forced the exit, if any
}

// Evaluate decides whether o must exit at ltp. It is pure. A kill switch
// applies even without a price; stop-loss and target need found=true.
// Zero stop-loss or target means unset.
func Evaluate(o *model.Order, ltp int64, found bool, sig *model.Signal, switches []model.KillSwitch) Decision {
	if o == nil || !o.IsOpen() {
		return Decision{}
	}
	for i := range switches {
		if switches[i].Matches(o) {
			return Decision{Due: true, Reason: model.ExitKillSwitch, SwitchID: switches[i].ID}
		}
	}
	if !found || sig == nil {
		return Decision{}
	}

	sl, tgt := sig.StopLoss, sig.Target
	switch o.Side {
	case model.SideBuy:
		if sl > 0 && ltp <= sl {
			return Decision{Due: true, Reason: model.ExitStopLoss}
		}
		if tgt > 0 && ltp >= tgt {
			return Decision{Due: true, Reason: model.ExitTarget}
		}
	case model.SideSell:
		if sl > 0 && ltp >= sl {
			return Decision{Due: true, Reason: model.ExitStopLoss}
		}
		if tgt > 0 && ltp <= tgt {
			return Decision{Due: true, Reason: model.ExitTarget}
		}
	}
	return Decision{}
}

var reasonRank = map[model.ExitReason]int{
	model.ExitKillSwitch: 3,
	model.ExitStopLoss:   2,
	model.ExitTarget:     1,
}

// stronger reports whether a should override b for the same signal.
func stronger(a, b model.ExitReason) bool { return reasonRank[a] > reasonRank[b] }
