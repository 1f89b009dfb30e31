package importcmd

var opts = &options{}

type options struct {
	FromStdin bool
	Replace   bool
}

func init() {
	flags := Command.Flags()
	flags.BoolVar(&opts.FromStdin, "stdin", false,
		"Read the export from standard input. Ignored if a file is provided as an argument.")
	flags.BoolVar(&opts.Replace, "replace", false,
		"Delete every existing item before importing.")
}
