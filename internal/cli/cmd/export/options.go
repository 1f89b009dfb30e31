package export

var opts = &options{}

type options struct {
	Output      string
	RecordTypes []string
}

func init() {
	flags := Command.Flags()
	flags.StringVarP(&opts.Output, "output", "o", "-",
		"Output file path. - writes to standard output.")
	flags.StringSliceVar(&opts.RecordTypes, "types", nil,
		"Comma-separated record types to export. Exports all if empty.")
}
