package stats

import (
	"math"
	"time"
)

const (
	scale                = 173.7178
	defaultInitialRating = 1500.0
	defaultInitialRD     = 350.0
	defaultInitialVol    = 0.06
	defaultTau           = 0.5
	defaultRatingPeriod  = 24 * time.Hour
	defaultMaxRD         = 350.0
	convergenceTolerance = 0.000001
	maxIterations        = 100
)

// Rating is a Glicko-2 rating.
type Rating struct {
	Rating     float64
	RD         float64
	Volatility float64
	LastUpdate time.Time
}

// RatingConfig holds the system parameters.
type RatingConfig struct {
	InitialRating float64
	InitialRD     float64
	InitialVol    float64
	Tau           float64
	RatingPeriod  time.Duration
	MaxRD         float64
}

func DefaultRatingConfig() RatingConfig {
	return RatingConfig{
		InitialRating: defaultInitialRating,
		InitialRD:     defaultInitialRD,
		InitialVol:    defaultInitialVol,
		Tau:           defaultTau,
		RatingPeriod:  defaultRatingPeriod,
		MaxRD:         defaultMaxRD,
	}
}

// Glicko2 rates players after each decided match.
type Glicko2 struct {
	Config RatingConfig
}

func NewGlicko2(cfg RatingConfig) *Glicko2 {
	if cfg == (RatingConfig{}) {
		cfg = DefaultRatingConfig()
	}
	return &Glicko2{Config: cfg}
}

// Initial returns the rating of a user with no decided matches.
func (g *Glicko2) Initial() Rating {
	return Rating{Rating: g.Config.InitialRating, RD: g.Config.InitialRD, Volatility: g.Config.InitialVol}
}

// Decide updates both ratings for a match won by winner. Ratings that come
// out non-finite keep their previous value.
func (g *Glicko2) Decide(winner, loser *Rating, at time.Time) {
	prevW, prevL := *winner, *loser

	g.decay(winner, at)
	g.decay(loser, at)

	muW, phiW := g.toGlicko2(winner.Rating, winner.RD)
	muL, phiL := g.toGlicko2(loser.Rating, loser.RD)

	newMuW, newPhiW, newSigmaW := g.update(muW, phiW, winner.Volatility, muL, phiL, 1)
	newMuL, newPhiL, newSigmaL := g.update(muL, phiL, loser.Volatility, muW, phiW, 0)

	winner.Rating, winner.RD = g.fromGlicko2(newMuW, newPhiW)
	loser.Rating, loser.RD = g.fromGlicko2(newMuL, newPhiL)
	winner.Volatility, loser.Volatility = newSigmaW, newSigmaL
	winner.LastUpdate, loser.LastUpdate = at, at

	sanitize(winner, prevW)
	sanitize(loser, prevL)
}

func sanitize(r *Rating, prev Rating) {
	bad := func(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) }
	if bad(r.Rating) {
		r.Rating = prev.Rating
	}
	if bad(r.RD) {
		r.RD = prev.RD
	}
	if bad(r.Volatility) {
		r.Volatility = prev.Volatility
	}
}

// decay widens RD for the rating periods passed since the last update.
func (g *Glicko2) decay(r *Rating, at time.Time) {
	if r.LastUpdate.IsZero() || g.Config.RatingPeriod <= 0 {
		return
	}
	periods := at.Sub(r.LastUpdate).Seconds() / g.Config.RatingPeriod.Seconds()
	if periods <= 0 {
		return
	}
	rd := math.Sqrt(r.RD*r.RD + r.Volatility*r.Volatility*periods)
	r.RD = math.Min(rd, g.Config.MaxRD)
}

func (g *Glicko2) toGlicko2(rating, rd float64) (float64, float64) {
	return (rating - g.Config.InitialRating) / scale, rd / scale
}

func (g *Glicko2) fromGlicko2(mu, phi float64) (float64, float64) {
	return mu*scale + g.Config.InitialRating, phi * scale
}

func (g *Glicko2) update(mu, phi, sigma, oppMu, oppPhi, score float64) (newMu, newPhi, newSigma float64) {
	gVal := gFunc(oppPhi)
	e := expected(mu, oppMu, oppPhi)

	v := 1.0 / (gVal * gVal * e * (1 - e))
	delta := v * gVal * (score - e)

	newSigma = g.volatility(sigma, phi, v, delta)

	phiStar := math.Sqrt(phi*phi + newSigma*newSigma)
	newPhi = 1.0 / math.Sqrt(1.0/(phiStar*phiStar)+1.0/v)
	newMu = mu + newPhi*newPhi*gVal*(score-e)
	return newMu, newPhi, newSigma
}

// volatility solves for the new volatility by Newton iteration.
func (g *Glicko2) volatility(sigma, phi, v, delta float64) float64 {
	a := math.Log(sigma * sigma)
	deltaSq := delta * delta
	phiSq := phi * phi

	x := a
	if deltaSq > phiSq+v {
		x = math.Log(deltaSq - phiSq - v)
	}
	f := func(x float64) float64 {
		ex := math.Exp(x)
		num := ex * (deltaSq - phiSq - v - ex)
		denom := 2 * math.Pow(phiSq+v+ex, 2)
		return num/denom - (x-a)/(g.Config.Tau*g.Config.Tau)
	}

	for i := 0; i < maxIterations; i++ {
		fx := f(x)
		if math.Abs(fx) < convergenceTolerance {
			break
		}
		const h = 0.001
		df := (f(x+h) - fx) / h
		if math.Abs(df) < convergenceTolerance {
			break
		}
		x -= fx / df
	}
	return math.Exp(x / 2)
}

func gFunc(phi float64) float64 {
	return 1.0 / math.Sqrt(1.0+3.0*phi*phi/(math.Pi*math.Pi))
}

func expected(mu, oppMu, oppPhi float64) float64 {
	return 1.0 / (1.0 + math.Exp(-gFunc(oppPhi)*(mu-oppMu)))
}
