package get

var opts = &options{}

type options struct {
	Asset  bool
	Output string
}

func init() {
	flags := Command.Flags()
	flags.BoolVar(&opts.Asset, "asset", false,
		"Treat the argument as an asset key and download its bytes.")
	flags.StringVarP(&opts.Output, "output", "o", "-",
		"File the asset is written to. - writes to standard output.")
}
