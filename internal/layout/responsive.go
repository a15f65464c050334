package layout

// Viewport breakpoints, matching the frontend's grid CSS.
const (
	mobileMaxWidth = 768
	tabletMaxWidth = 1024
)

// IsSplitSupported reports whether a layout type fits the viewport:
// mobile gets single only, tablet adds the two-pane splits, desktop
// supports everything.
func IsSplitSupported(viewportWidth int, t Type) bool {
	if !ValidType(t) {
		return false
	}
	switch {
	case viewportWidth <= mobileMaxWidth:
		return t == TypeSingle
	case viewportWidth <= tabletMaxWidth:
		return t == TypeSingle || t == TypeHorizontalSplit || t == TypeVerticalSplit
	default:
		return true
	}
}

// RecommendedLayout picks a layout type for the viewport and session
// count.
func RecommendedLayout(viewportWidth, sessionCount int) Type {
	if viewportWidth <= mobileMaxWidth || sessionCount <= 1 {
		return TypeSingle
	}
	if viewportWidth <= tabletMaxWidth {
		return TypeHorizontalSplit
	}
	switch sessionCount {
	case 2:
		return TypeHorizontalSplit
	case 3:
		return TypeThreePane
	default:
		return TypeGrid2x2
	}
}
