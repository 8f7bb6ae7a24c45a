package pose

import (
	"math"
	"time"
)

// Fall detector thresholds. Tunable in principle, but these literal
// defaults are load-bearing: camera clients and the recording trigger
// are calibrated against them.
const (
	fallUprightFrames     = 12
	fallImpulseFrames     = 14
	fallPostFrames        = 24
	fallPostStillFrames   = 16
	fallPostTimeoutFrames = 36
	fallRecoveryFrames    = 18

	fallHipDropThreshold      = 0.2
	fallDownSpeedThreshold    = 1.0
	fallStillSpeedThreshold   = 0.2
	fallMinBboxHeight         = 0.15
	fallAngleChangeThreshold  = 50
	fallAspectChangeThreshold = 0.55

	fallUprightAngle  = 22
	fallLyingAngle    = 65
	fallUprightAspect = 1.4
	fallLyingAspect   = 1.05
)

// FallState is the discrete state of the per-sender fall automaton.
type FallState uint8

const (
	// StateIdle waits for a stable upright posture.
	StateIdle FallState = iota
	// StateArmed watches for a fall impulse. There is no way back to
	// idle, the automaton stays armed until an impulse fires.
	StateArmed
	// StatePost confirms the subject stays down and still after an
	// impulse.
	StatePost
	// StateFallen is the reported fall. Only sustained upright frames
	// leave it.
	StateFallen
)

func (s FallState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateArmed:
		return "ARMED"
	case StatePost:
		return "POST"
	case StateFallen:
		return "FALLEN"
	}
	return "?"
}

// fallMachine turns a noisy per-frame geometry stream into a
// low-false-positive fall event: temporal smoothing on entry (upright
// streak), a sliding-window impulse detector, and hysteresis on exit
// (recovery streak).
type fallMachine struct {
	state FallState

	uprightFrames     int
	postFrames        int
	postStillFrames   int
	postTimeoutFrames int
	recoveryFrames    int

	// Circular buffers over the last fallImpulseFrames samples.
	comYHist      [fallImpulseFrames]float64
	downSpeedHist [fallImpulseFrames]float64
	angleHist     [fallImpulseFrames]float64
	aspectHist    [fallImpulseFrames]float64
	histIndex     int
	histCount     int

	lastComX     float64
	lastComY     float64
	lastSampleAt time.Time
}

func (m *fallMachine) reset() {
	m.state = StateIdle
	m.uprightFrames = 0
	m.postFrames = 0
	m.postStillFrames = 0
	m.postTimeoutFrames = 0
	m.recoveryFrames = 0
}

func (m *fallMachine) record(comY, downSpeed, torsoAngle, aspectRatio float64) {
	m.comYHist[m.histIndex] = comY
	m.downSpeedHist[m.histIndex] = downSpeed
	m.angleHist[m.histIndex] = torsoAngle
	m.aspectHist[m.histIndex] = aspectRatio
	m.histIndex = (m.histIndex + 1) % fallImpulseFrames
	if m.histCount < fallImpulseFrames {
		m.histCount++
	}
}

// impulse reports whether the window shows a simultaneous hip drop,
// downward speed spike, torso angle change, and aspect change. All four
// at once, any one alone is regular movement.
func (m *fallMachine) impulse(comY, normHeight float64) bool {
	if m.histCount < fallImpulseFrames {
		return false
	}
	minComY := m.comYHist[0]
	minAngle, maxAngle := m.angleHist[0], m.angleHist[0]
	minAspect, maxAspect := m.aspectHist[0], m.aspectHist[0]
	maxDownSpeed := m.downSpeedHist[0]
	for i := 1; i < m.histCount; i++ {
		minComY = math.Min(minComY, m.comYHist[i])
		minAngle = math.Min(minAngle, m.angleHist[i])
		maxAngle = math.Max(maxAngle, m.angleHist[i])
		minAspect = math.Min(minAspect, m.aspectHist[i])
		maxAspect = math.Max(maxAspect, m.aspectHist[i])
		maxDownSpeed = math.Max(maxDownSpeed, m.downSpeedHist[i])
	}
	hipDrop := (comY - minComY) / normHeight
	angleChange := maxAngle - minAngle
	aspectChange := maxAspect - minAspect
	return hipDrop > fallHipDropThreshold &&
		maxDownSpeed > fallDownSpeedThreshold &&
		angleChange > fallAngleChangeThreshold &&
		aspectChange > fallAspectChangeThreshold
}

// update advances the automaton by one frame and reports whether the
// sender is currently considered fallen. Pure and synchronous; the
// normHeight floor keeps division results finite on degenerate boxes.
func (m *fallMachine) update(comX, comY, torsoAngle, aspectRatio, bboxHeight float64, now time.Time) bool {
	normHeight := math.Max(bboxHeight, fallMinBboxHeight)
	downSpeed, speed := 0.0, 0.0
	if !m.lastSampleAt.IsZero() {
		dt := now.Sub(m.lastSampleAt).Seconds()
		if dt > 0 {
			dx := comX - m.lastComX
			dy := comY - m.lastComY
			speed = math.Hypot(dx, dy) / dt / normHeight
			downSpeed = dy / dt / normHeight
		}
	}
	m.lastComX = comX
	m.lastComY = comY
	m.lastSampleAt = now

	m.record(comY, downSpeed, torsoAngle, aspectRatio)
	upright := torsoAngle < fallUprightAngle && aspectRatio > fallUprightAspect
	lying := torsoAngle > fallLyingAngle && aspectRatio < fallLyingAspect
	fallImpulse := m.impulse(comY, normHeight)

	switch m.state {
	case StateIdle:
		if upright {
			m.uprightFrames++
			if m.uprightFrames >= fallUprightFrames {
				m.state = StateArmed
			}
		} else {
			m.uprightFrames = 0
		}
	case StateArmed:
		if fallImpulse {
			m.state = StatePost
			m.postFrames = 0
			m.postTimeoutFrames = 0
		}
		if !upright {
			m.uprightFrames = 0
		}
	case StatePost:
		if lying {
			m.postFrames++
			if speed < fallStillSpeedThreshold {
				m.postStillFrames++
			} else {
				m.postStillFrames = 0
			}
			m.postTimeoutFrames = 0
		} else {
			m.postFrames = 0
			m.postStillFrames = 0
			m.postTimeoutFrames++
		}
		if m.postFrames >= fallPostFrames && m.postStillFrames >= fallPostStillFrames {
			m.state = StateFallen
			m.recoveryFrames = 0
		} else if m.postTimeoutFrames >= fallPostTimeoutFrames {
			m.reset()
		}
	case StateFallen:
		if upright {
			m.recoveryFrames++
			if m.recoveryFrames >= fallRecoveryFrames {
				m.reset()
			}
		} else {
			m.recoveryFrames = 0
		}
	}

	return m.state == StateFallen
}
