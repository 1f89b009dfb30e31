package put

var opts = &options{}

type options struct {
	FromStdin        bool
	ModificationDate string
	Progress         bool

	// Record options
	Type   string
	Fields []string
	Attach []string
}

func init() {
	flags := Command.Flags()
	flags.BoolVar(&opts.FromStdin, "stdin", false,
		"Read the asset from standard input. Ignored if a file is provided as an argument.",
	)
	flags.StringVar(&opts.ModificationDate, "modification-date", "",
		"RFC 3339 modification date stored with the asset. Defaults to now.",
	)
	flags.BoolVar(&opts.Progress, "progress", false,
		"Report upload progress on standard error.",
	)

	// Record options
	flags.StringVar(&opts.Type, "type", "",
		"Save a record of this type instead of uploading an asset.")
	flags.StringArrayVar(&opts.Fields, "field", nil,
		"Record field as key=value. Repeatable.")
	flags.StringArrayVar(&opts.Attach, "attach", nil,
		"Asset field as key=path. Repeatable.")
}
