package weaver

// SectionKind names one context section.
type SectionKind string

const (
	SectionIdentity      SectionKind = "identity"
	SectionPinned        SectionKind = "pinnedMemories"
	SectionRecentStream  SectionKind = "recentStream"
	SectionRetrieved     SectionKind = "retrievedMemories"
	SectionSkills        SectionKind = "skills"
	SectionPlatformHints SectionKind = "platformHints"
	SectionEntities      SectionKind = "entityContext"
	SectionCommitments   SectionKind = "openCommitments"
)

// SectionSpec allocates one section within a profile.
type SectionSpec struct {
	// Kind names the section.
	Kind SectionKind

	// Percent is the section's share of the remaining budget when it is
	// processed, in [0,100].
	Percent float64

	// Priority orders generation; lower runs first.
	Priority int

	// Required sections are always included (truncated to their allocation
	// if needed); optional sections are skipped whole when they do not fit.
	Required bool
}

// Profile is a token budget plan selected by model context window size.
type Profile struct {
	// Name identifies the profile (small, medium, large).
	Name string

	// Sections are the allocation specs, to be processed in priority order.
	Sections []SectionSpec
}

// Window-size boundaries for profile selection.
const (
	smallWindowMax  = 16000
	mediumWindowMax = 64000
)

// SelectProfile picks a budget profile for the target model's context window.
//
// Small windows drop the cheaper optional sections entirely and give recent
// conversation most of the room; large windows spread the budget across all
// eight sections.
func SelectProfile(contextWindow int) *Profile {
	switch {
	case contextWindow <= smallWindowMax:
		return &Profile{
			Name: "small",
			Sections: []SectionSpec{
				{Kind: SectionIdentity, Percent: 15, Priority: 1, Required: true},
				{Kind: SectionRecentStream, Percent: 50, Priority: 2, Required: true},
				{Kind: SectionRetrieved, Percent: 30, Priority: 3},
				{Kind: SectionCommitments, Percent: 20, Priority: 4},
			},
		}
	case contextWindow <= mediumWindowMax:
		return &Profile{
			Name: "medium",
			Sections: []SectionSpec{
				{Kind: SectionIdentity, Percent: 10, Priority: 1, Required: true},
				{Kind: SectionPinned, Percent: 15, Priority: 2},
				{Kind: SectionRecentStream, Percent: 40, Priority: 3, Required: true},
				{Kind: SectionRetrieved, Percent: 30, Priority: 4},
				{Kind: SectionEntities, Percent: 15, Priority: 5},
				{Kind: SectionCommitments, Percent: 15, Priority: 6},
			},
		}
	default:
		return &Profile{
			Name: "large",
			Sections: []SectionSpec{
				{Kind: SectionIdentity, Percent: 8, Priority: 1, Required: true},
				{Kind: SectionPinned, Percent: 12, Priority: 2},
				{Kind: SectionRecentStream, Percent: 35, Priority: 3, Required: true},
				{Kind: SectionRetrieved, Percent: 30, Priority: 4},
				{Kind: SectionSkills, Percent: 15, Priority: 5},
				{Kind: SectionPlatformHints, Percent: 10, Priority: 6},
				{Kind: SectionEntities, Percent: 15, Priority: 7},
				{Kind: SectionCommitments, Percent: 15, Priority: 8},
			},
		}
	}
}

// EstimateTokens approximates the token count of text as ceil(len/4).
// The weaver only needs a consistent upper-bound proxy, not exact counts.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
