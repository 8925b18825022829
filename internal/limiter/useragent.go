package limiter

import (
	"math/rand"

	"domain-limiter/internal/domain"
)

// UserAgentRotator seleciona o próximo user agent de um pool fixo
// Cada domínio tem o seu cursor; o pool é compartilhado e nunca modificado.
// Não é seguro para uso concorrente: o DomainState serializa o acesso.
type UserAgentRotator struct {
	agents   []string
	weights  []float64
	total    float64
	strategy string
	cursor   int
	rnd      func() float64
}

// NewUserAgentRotator cria o rotator; sem pesos o sorteio ponderado vira uniforme
func NewUserAgentRotator(agents []string, weights []float64, strategy string, rnd func() float64) *UserAgentRotator {
	if rnd == nil {
		rnd = rand.Float64
	}
	r := &UserAgentRotator{
		agents:   agents,
		strategy: strategy,
		rnd:      rnd,
	}
	if len(weights) == len(agents) {
		for _, w := range weights {
			r.total += w
		}
		if r.total > 0 {
			r.weights = weights
		}
	}
	return r
}

// Next retorna o próximo user agent, ou "" se o pool estiver vazio
func (r *UserAgentRotator) Next() string {
	if len(r.agents) == 0 {
		return ""
	}

	if r.strategy == domain.UserAgentWeightedRandom {
		return r.weighted()
	}

	ua := r.agents[r.cursor%len(r.agents)]
	r.cursor = (r.cursor + 1) % len(r.agents)
	return ua
}

func (r *UserAgentRotator) weighted() string {
	if r.weights == nil {
		return r.agents[int(r.rnd()*float64(len(r.agents)))%len(r.agents)]
	}

	target := r.rnd() * r.total
	for i, w := range r.weights {
		target -= w
		if target < 0 {
			return r.agents[i]
		}
	}
	return r.agents[len(r.agents)-1]
}
