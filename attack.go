package warden

import (
	"net"
	"time"

	"github.com/scraperwall/warden/metrics"
	"github.com/scraperwall/warden/reputation"
	log "github.com/sirupsen/logrus"
)

// AttackStatus describes the attack mode monitor
type AttackStatus struct {
	AttackMode bool    `json:"attack_mode"`
	GlobalRate float64 `json:"global_rate"`
	Threshold  float64 `json:"threshold"`
	Window     string  `json:"window"`
}

// AttackMode reports whether the global request rate is above the attack threshold
func (w *Warden) AttackMode() bool {
	return w.attack.Load()
}

// AttackStatus returns the current attack mode state and the global rate it is based on
func (w *Warden) AttackStatus() AttackStatus {
	return AttackStatus{
		AttackMode: w.attack.Load(),
		GlobalRate: w.windows.GlobalRate(),
		Threshold:  w.config.AttackModeRPS,
		Window:     w.windows.Window().String(),
	}
}

// SetAttackMode enters or leaves attack mode. Entering tightens the bucket profiles,
// shortens the traffic windows and lowers the connection ceiling; leaving restores them
func (w *Warden) SetAttackMode(on bool) {
	if w.attack.Swap(on) == on {
		return
	}

	w.limiter.SetProfile(on)
	if on {
		w.windows.SetWindow(w.config.AttackWindow)
		w.conns.SetMax(w.config.AttackMaxConnectionsPerIP)
		log.Warnf("entering attack mode: %.1f requests per second", w.windows.GlobalRate())
	} else {
		w.windows.SetWindow(w.config.TrafficWindow)
		w.conns.SetMax(w.config.MaxConnectionsPerIP)
		log.Infof("leaving attack mode: %.1f requests per second", w.windows.GlobalRate())
	}
	metrics.SetAttackMode(on)
}

// checkAttackMode compares the global request rate with the attack threshold and
// switches the mode accordingly
func (w *Warden) checkAttackMode() bool {
	on := w.windows.GlobalRate() > w.config.AttackModeRPS
	w.SetAttackMode(on)
	return on
}

func (w *Warden) monitorWorker() {
	ticker := time.NewTicker(w.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.checkAttackMode()
		}
	}
}

// PassChallenge admits ip during attack mode for the configured challenge lifetime
func (w *Warden) PassChallenge(ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return reputation.ErrInvalidIP
	}
	return w.challenges.SetWithTTL(parsed.String(), w.now(), w.config.ChallengeTTL)
}

// ChallengePassed reports whether ip has passed a challenge recently
func (w *Warden) ChallengePassed(ip string) bool {
	_, err := w.challenges.Get(ip)
	return err == nil
}
