package provider

// Config configures the send provider.
type Config struct {
	Type string // stdout, ses, smtp
	From string

	SESRegion           string
	SESEndpoint         string
	SESConfigurationSet string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPHelo     string
}
