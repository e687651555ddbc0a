// Package emotions is the static catalog of emotions a speaker can be asked
// to perform, grouped by game mode.
package emotions

import (
	"math/rand/v2"
	"slices"
)

type Mode string

const (
	ModeBasic    Mode = "basic"
	ModeAdvanced Mode = "advanced"
	ModeWheel    Mode = "wheel"
)

func (m Mode) Valid() bool {
	_, ok := catalog[m]
	return ok
}

type VoteType string

const (
	VoteFour  VoteType = "4choice"
	VoteEight VoteType = "8choice"
	VoteWheel VoteType = "wheel"
)

func (v VoteType) Valid() bool {
	switch v {
	case VoteFour, VoteEight, VoteWheel:
		return true
	}
	return false
}

// Size is the number of choices shown for the vote type; zero means the whole mode.
func (v VoteType) Size() int {
	switch v {
	case VoteFour:
		return 4
	case VoteEight:
		return 8
	}
	return 0
}

type Emotion struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	NameEN string `json:"nameEn"`
}

// Choice is the wire shape of a voting option.
type Choice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var basic = []Emotion{
	{"joy", "喜び", "Joy"},
	{"anticipation", "期待", "Anticipation"},
	{"anger", "怒り", "Anger"},
	{"disgust", "嫌悪", "Disgust"},
	{"sadness", "悲しみ", "Sadness"},
	{"surprise", "驚き", "Surprise"},
	{"fear", "恐れ", "Fear"},
	{"trust", "信頼", "Trust"},
}

// Dyads: each is the blend of two primaries.
var advanced = []Emotion{
	{"optimism", "楽観", "Optimism"},
	{"pride", "誇り", "Pride"},
	{"morbidness", "病的状態", "Morbidness"},
	{"aggressiveness", "攻撃性", "Aggressiveness"},
	{"cynicism", "冷笑", "Cynicism"},
	{"pessimism", "悲観", "Pessimism"},
	{"contempt", "軽蔑", "Contempt"},
	{"envy", "嫉妬", "Envy"},
	{"outrage", "憤慨", "Outrage"},
	{"remorse", "後悔", "Remorse"},
	{"unbelief", "不信", "Unbelief"},
	{"shame", "恥", "Shame"},
	{"disappointment", "失望", "Disappointment"},
	{"despair", "絶望", "Despair"},
	{"sentimentality", "感傷", "Sentimentality"},
	{"awe", "畏怖", "Awe"},
	{"curiosity", "好奇心", "Curiosity"},
	{"delight", "歓喜", "Delight"},
	{"submission", "服従", "Submission"},
	{"guilt", "罪悪感", "Guilt"},
	{"anxiety", "不安", "Anxiety"},
	{"love", "愛", "Love"},
	{"hope", "希望", "Hope"},
	{"dominance", "優位", "Dominance"},
}

// Wheel order follows the wheel itself, strongest intensity first per axis.
var wheel = []Emotion{
	{"joy_strong", "陶酔", "Ecstasy"},
	{"joy_medium", "喜び", "Joy"},
	{"joy_weak", "平穏", "Serenity"},
	{"trust_strong", "敬愛", "Admiration"},
	{"trust_medium", "信頼", "Trust"},
	{"trust_weak", "容認", "Acceptance"},
	{"fear_strong", "恐怖", "Terror"},
	{"fear_medium", "恐れ", "Fear"},
	{"fear_weak", "不安", "Apprehension"},
	{"surprise_strong", "驚嘆", "Amazement"},
	{"surprise_medium", "驚き", "Surprise"},
	{"surprise_weak", "放心", "Distraction"},
	{"sadness_strong", "悲嘆", "Grief"},
	{"sadness_medium", "悲しみ", "Sadness"},
	{"sadness_weak", "哀愁", "Pensiveness"},
	{"disgust_strong", "強い嫌悪", "Loathing"},
	{"disgust_medium", "嫌悪", "Disgust"},
	{"disgust_weak", "うんざり", "Boredom"},
	{"anger_strong", "激怒", "Rage"},
	{"anger_medium", "怒り", "Anger"},
	{"anger_weak", "苛立ち", "Annoyance"},
	{"anticipation_strong", "攻撃", "Vigilance"},
	{"anticipation_medium", "期待", "Anticipation"},
	{"anticipation_weak", "関心", "Interest"},
}

var catalog = map[Mode][]Emotion{
	ModeBasic:    basic,
	ModeAdvanced: advanced,
	ModeWheel:    wheel,
}

var byID = func() map[string]Emotion {
	m := make(map[string]Emotion)
	for _, list := range catalog {
		for _, e := range list {
			m[e.ID] = e
		}
	}
	return m
}()

// ForMode returns a copy of the mode's emotions in catalog order.
func ForMode(mode Mode) []Emotion {
	return slices.Clone(catalog[mode])
}

func Lookup(id string) (Emotion, bool) {
	e, ok := byID[id]
	return e, ok
}

// InMode reports whether id belongs to the mode's catalog.
func InMode(mode Mode, id string) bool {
	return slices.ContainsFunc(catalog[mode], func(e Emotion) bool { return e.ID == id })
}

// Choices builds the voting options for a round. The target is always
// present. Fixed-size vote types draw random distractors and shuffle; the
// wheel vote type returns the full mode in catalog order.
func Choices(mode Mode, voteType VoteType, target string, rng *rand.Rand) []Choice {
	all := catalog[mode]
	size := voteType.Size()
	if size == 0 || size >= len(all) {
		if voteType == VoteWheel {
			return toChoices(all)
		}
		picked := slices.Clone(all)
		shuffle(picked, rng)
		return toChoices(picked)
	}

	picked := make([]Emotion, 0, size)
	others := make([]Emotion, 0, len(all))
	for _, e := range all {
		if e.ID == target {
			picked = append(picked, e)
		} else {
			others = append(others, e)
		}
	}
	shuffle(others, rng)
	picked = append(picked, others[:size-len(picked)]...)
	shuffle(picked, rng)
	return toChoices(picked)
}

func shuffle(list []Emotion, rng *rand.Rand) {
	swap := func(i, j int) { list[i], list[j] = list[j], list[i] }
	if rng != nil {
		rng.Shuffle(len(list), swap)
		return
	}
	rand.Shuffle(len(list), swap)
}

func toChoices(list []Emotion) []Choice {
	out := make([]Choice, len(list))
	for i, e := range list {
		out[i] = Choice{ID: e.ID, Name: e.Name}
	}
	return out
}
