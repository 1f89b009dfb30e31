package rm

var opts = &options{}

type options struct {
	Asset bool
}

func init() {
	Command.Flags().BoolVar(&opts.Asset, "asset", false,
		"Treat the arguments as asset keys.")
}
