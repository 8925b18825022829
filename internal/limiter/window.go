package limiter

import "time"

// requestsPerMinuteSpan é a janela usada para calcular requisições por minuto
const requestsPerMinuteSpan = time.Minute

type outcomeSample struct {
	at             time.Time
	responseTimeMs int64
	success        bool
}

// OutcomeWindow guarda os últimos N resultados de um domínio em um ring buffer
type OutcomeWindow struct {
	samples []outcomeSample
	next    int
	size    int
}

// NewOutcomeWindow cria uma janela com capacidade para n resultados
func NewOutcomeWindow(n int) *OutcomeWindow {
	if n <= 0 {
		n = 1
	}
	return &OutcomeWindow{samples: make([]outcomeSample, n)}
}

// Add registra um resultado, sobrescrevendo o mais antigo quando cheia
func (w *OutcomeWindow) Add(at time.Time, responseTimeMs int64, success bool) {
	w.samples[w.next] = outcomeSample{at: at, responseTimeMs: responseTimeMs, success: success}
	w.next = (w.next + 1) % len(w.samples)
	if w.size < len(w.samples) {
		w.size++
	}
}

// Len retorna quantos resultados estão na janela
func (w *OutcomeWindow) Len() int {
	return w.size
}

// Summary calcula requisições no último minuto, taxa de sucesso e tempo médio de resposta.
// Sem amostras a taxa de sucesso é 1.
func (w *OutcomeWindow) Summary(now time.Time) (requestsPerMinute int, successRate, avgResponseMs float64) {
	if w.size == 0 {
		return 0, 1, 0
	}

	var successes int
	var totalMs int64
	for i := 0; i < w.size; i++ {
		s := w.samples[i]
		if s.success {
			successes++
		}
		totalMs += s.responseTimeMs
		if age := now.Sub(s.at); age >= 0 && age < requestsPerMinuteSpan {
			requestsPerMinute++
		}
	}

	return requestsPerMinute, float64(successes) / float64(w.size), float64(totalMs) / float64(w.size)
}

// Clear esvazia a janela
func (w *OutcomeWindow) Clear() {
	for i := range w.samples {
		w.samples[i] = outcomeSample{}
	}
	w.next = 0
	w.size = 0
}
