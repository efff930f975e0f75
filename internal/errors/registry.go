package errors

// Template defines a registered error type.
type Template struct {
	Category   Category
	Message    string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]Template{
	// Configuration errors (E100-E119)

	"E100": {
		Category:   CategoryConfig,
		Message:    "Missing service URL",
		Suggestion: "Set url in your profile, SIMBRIDGE_URL, or pass --url",
	},
	"E101": {
		Category:   CategoryConfig,
		Message:    "Missing access key",
		Suggestion: "Set accesskey in your profile, SIMBRIDGE_ACCESS_KEY, or pass --access-key",
	},
	"E102": {
		Category:   CategoryConfig,
		Message:    "Missing username",
		Suggestion: "Set username in your profile, SIMBRIDGE_USERNAME, or pass --username",
	},
	"E103": {
		Category:   CategoryConfig,
		Message:    "Missing brain name",
		Suggestion: "Pass --brain or set SIMBRIDGE_BRAIN",
	},
	"E104": {
		Category:   CategoryConfig,
		Message:    "Invalid service URL",
		Suggestion: "Use an absolute http, https, ws or wss URL",
	},
	"E105": {
		Category:   CategoryConfig,
		Message:    "Invalid timeout",
		Suggestion: "Timeouts must be zero or positive durations such as 30s or 5m",
	},
	"E106": {
		Category:   CategoryConfig,
		Message:    "Profile not found",
		Suggestion: "Check the profile name or the [profiles] table of your config file",
	},
	"E107": {
		Category:   CategoryConfig,
		Message:    "Cannot read config file",
		Suggestion: "Check that the file exists and is valid TOML",
	},
	"E108": {
		Category:   CategoryConfig,
		Message:    "Invalid prediction version",
		Suggestion: "Use \"latest\" or a positive brain version number",
	},
	"E109": {
		Category:   CategoryConfig,
		Message:    "Invalid backoff policy",
		Suggestion: "Backoff base must be positive and no larger than the backoff maximum",
	},
	"E110": {
		Category:   CategoryConfig,
		Message:    "Missing simulator name",
		Suggestion: "Pass --simulator or set SIMBRIDGE_SIMULATOR to the simulator name declared by the brain",
	},
	"E111": {
		Category:   CategoryConfig,
		Message:    "Unsupported record file",
		Suggestion: "Record files must end in .csv, .json or .jsonl",
	},

	// Connection errors (E120-E139)

	"E120": {
		Category:   CategoryConnection,
		Message:    "Unauthorized",
		Suggestion: "Check that your access key is valid for this user",
	},
	"E121": {
		Category:   CategoryConnection,
		Message:    "Brain or simulator not found",
		Suggestion: "Check the username, brain name and simulator name",
	},
	"E122": {
		Category: CategoryConnection,
		Message:  "Connection closed by server",
	},
	"E123": {
		Category:   CategoryConnection,
		Message:    "Reconnect budget exhausted",
		Suggestion: "Increase --retry-timeout or check network connectivity",
	},

	// Simulator errors (E140-E159)

	"E140": {
		Category: CategorySimulator,
		Message:  "Simulator callback failed",
	},
	"E141": {
		Category:   CategorySimulator,
		Message:    "State does not match schema",
		Suggestion: "Return exactly the state fields declared by the brain, with numeric values",
	},
}

// Lookup returns the template registered for code.
func Lookup(code string) (Template, bool) {
	t, ok := registry[code]
	return t, ok
}
