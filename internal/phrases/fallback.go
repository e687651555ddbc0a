package phrases

import (
	"context"
	"math/rand/v2"
	"sync"

	"emoguchi/internal/emotions"
)

var fallbackPhrases = []string{
	"はぁ…",
	"うそでしょ…",
	"なんで…",
	"まじか",
	"やばい！",
	"えっ！？",
	"なんでよ！",
	"あーあ…",
	"なるほどね",
	"ふーん",
}

// FallbackEntry returns the i-th entry of the static table for mode.
func FallbackEntry(mode emotions.Mode, i int) Entry {
	list := emotions.ForMode(mode)
	if len(list) == 0 {
		list = emotions.ForMode(emotions.ModeBasic)
		mode = emotions.ModeBasic
	}
	if i < 0 {
		i = -i
	}
	return Entry{
		Phrase:    fallbackPhrases[i%len(fallbackPhrases)],
		EmotionID: list[i%len(list)].ID,
		Mode:      mode,
		Fallback:  true,
	}
}

// StaticGenerator pairs the built-in phrases with random emotions of the
// requested mode. It is used when no external generator is configured.
type StaticGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewStaticGenerator(seed uint64) *StaticGenerator {
	return &StaticGenerator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (g *StaticGenerator) Generate(ctx context.Context, mode emotions.Mode, n int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list := emotions.ForMode(mode)
	if len(list) == 0 {
		return nil, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Entry, n)
	for i := range out {
		out[i] = Entry{
			Phrase:    fallbackPhrases[g.rng.IntN(len(fallbackPhrases))],
			EmotionID: list[g.rng.IntN(len(list))].ID,
			Mode:      mode,
		}
	}
	return out, nil
}
