package psdloop

import "sort"

// pSquare implements the P² algorithm (Jain & Chlamtac, 1985) for streaming
// quantile estimation in O(1) space and time per observation, tracking
// latency percentiles without retaining the full sample.
type pSquare struct {
	p float64

	initial []float64

	n    [5]float64 // marker positions
	npos [5]float64 // desired marker positions
	dn   [5]float64 // desired position increments
	q    [5]float64 // marker heights

	count int
}

func newPSquare(p float64) *pSquare {
	return &pSquare{
		p:  p,
		dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (ps *pSquare) Add(x float64) {
	ps.count++

	if ps.count <= 5 {
		ps.initial = append(ps.initial, x)
		if ps.count == 5 {
			sort.Float64s(ps.initial)
			for i := 0; i < 5; i++ {
				ps.q[i] = ps.initial[i]
				ps.n[i] = float64(i + 1)
			}
			ps.npos = [5]float64{1, 1 + 2*ps.p, 1 + 4*ps.p, 3 + 2*ps.p, 5}
		}
		return
	}

	k := 0
	switch {
	case x < ps.q[0]:
		ps.q[0] = x
		k = 0
	case x >= ps.q[4]:
		ps.q[4] = x
		k = 3
	default:
		for i := 0; i < 4; i++ {
			if x < ps.q[i+1] {
				k = i
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		ps.n[i]++
	}
	for i := 0; i < 5; i++ {
		ps.npos[i] += ps.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := ps.npos[i] - ps.n[i]
		if (d >= 1 && ps.n[i+1]-ps.n[i] > 1) || (d <= -1 && ps.n[i-1]-ps.n[i] < -1) {
			sign := 1.0
			if d < 0 {
				sign = -1.0
			}
			qn := ps.parabolic(i, sign)
			if ps.q[i-1] < qn && qn < ps.q[i+1] {
				ps.q[i] = qn
			} else {
				ps.q[i] = ps.linear(i, sign)
			}
			ps.n[i] += sign
		}
	}
}

func (ps *pSquare) parabolic(i int, d float64) float64 {
	return ps.q[i] + d/(ps.n[i+1]-ps.n[i-1])*(
		(ps.n[i]-ps.n[i-1]+d)*(ps.q[i+1]-ps.q[i])/(ps.n[i+1]-ps.n[i])+
			(ps.n[i+1]-ps.n[i]-d)*(ps.q[i]-ps.q[i-1])/(ps.n[i]-ps.n[i-1]))
}

func (ps *pSquare) linear(i int, d float64) float64 {
	return ps.q[i] + d*(ps.q[i+int(d)]-ps.q[i])/(ps.n[i+int(d)]-ps.n[i])
}

// Value returns the current quantile estimate.
func (ps *pSquare) Value() float64 {
	if ps.count == 0 {
		return 0
	}
	if ps.count < 5 {
		sorted := append([]float64(nil), ps.initial...)
		sort.Float64s(sorted)
		idx := int(ps.p * float64(len(sorted)-1))
		return sorted[idx]
	}
	return ps.q[2]
}
