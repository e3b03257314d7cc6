package csvscope

type ChartOptions struct {
	Title  string
	XLabel string
	YLabel string
	Width  int
	Height int
}

type Metadata struct {
	// Where the current series was loaded from, if known. Served from the
	// viewer's latest update, not from the value the server was created with.
	Source       string `json:",omitempty"`
	Format       string
	ChartOptions ChartOptions
}
