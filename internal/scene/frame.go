package scene

// FrameStamp identifies the frame being processed.
type FrameStamp struct {
	FrameNumber   int64
	ReferenceTime float64
}

// LoadOptions are passed through to the subgraph loader.
type LoadOptions struct {
	// DatabasePath is prefixed to relative file names.
	DatabasePath string
	// SkipValidation disables schema checks in loaders that support them.
	SkipValidation bool
}

// Resolve joins the database path and a file name the way loaders expect.
func (o *LoadOptions) Resolve(fileName string) string {
	if o == nil || o.DatabasePath == "" {
		return fileName
	}
	if len(fileName) > 0 && fileName[0] == '/' {
		return fileName
	}
	dp := o.DatabasePath
	if dp[len(dp)-1] != '/' {
		dp += "/"
	}
	return dp + fileName
}
