package harvest

// ZeroCompetitionRatio is the sentinel ratio recorded when a term has search
// volume but zero indexed documents across the content channels.
const ZeroCompetitionRatio = 99.99

// Classify derives the competitiveness ratio and tier for a term from its
// total monthly search volume and per-channel document counts. The news
// channel is excluded from the denominator; it is a poor competitiveness
// signal. fetched distinguishes a genuine zero-document result from a lookup
// that never ran. Pure function, no side effects.
func Classify(totalVolume int, counts ChannelCounts, fetched bool) (float64, Tier) {
	if totalVolume <= 0 {
		return 0, TierUnranked
	}

	viewDocs := counts.Blog + counts.Cafe + counts.Web
	if viewDocs > 0 {
		ratio := float64(totalVolume) / float64(viewDocs)
		switch {
		case viewDocs < 100 && ratio > 5:
			return ratio, TierPlatinum
		case ratio > 10:
			return ratio, TierPlatinum
		case ratio > 5:
			return ratio, TierGold
		case ratio > 1:
			return ratio, TierSilver
		default:
			return ratio, TierBronze
		}
	}

	if fetched {
		// Searched-for but nobody has written about it.
		return ZeroCompetitionRatio, TierPlatinum
	}
	return 0, TierUnranked
}
