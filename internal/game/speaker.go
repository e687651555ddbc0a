package game

import "emoguchi/internal/players"

func (r *Room) nextSpeaker() *players.Player {
	if r.cfg.SpeakerOrder == OrderRandom {
		return r.randomSpeaker()
	}
	return r.sequentialSpeaker()
}

// sequentialSpeaker walks the roster from the slot after the previous
// speaker, wrapping, and skips disconnected players. If the previous speaker
// has since been removed, the player who slid into their slot goes next.
func (r *Room) sequentialSpeaker() *players.Player {
	list := r.players.List()
	n := len(list)
	if n == 0 {
		return nil
	}
	start := 0
	if r.lastSpeaker != "" {
		if i := r.players.IndexOf(r.lastSpeaker); i >= 0 {
			start = i + 1
		} else {
			start = r.lastSpeakerPos
		}
	}
	for k := range n {
		if p := list[(start+k)%n]; p.Connected {
			return p
		}
	}
	return nil
}

// randomSpeaker picks uniformly among connected players. With three or more
// candidates the previous speaker is excluded; with two it never is.
func (r *Room) randomSpeaker() *players.Player {
	candidates := r.players.Connected()
	if len(candidates) >= 3 && r.lastSpeaker != "" {
		filtered := candidates[:0]
		for _, p := range candidates {
			if p.SessionID != r.lastSpeaker {
				filtered = append(filtered, p)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[r.rng.IntN(len(candidates))]
}
