// Package errors provides coded, actionable error messages for the
// simbridge CLI.
//
// Configuration and connection failures that a user can fix are reported
// with a stable code, a short message, an explanation and a hint:
//
//	err := errors.New("E101").
//	    WithDetail("no access key in profile \"default\"").
//	    WithSuggestion("Set SIMBRIDGE_ACCESS_KEY or pass --access-key")
//
//	fmt.Print(err.Format())
//	// Output:
//	// ERROR E101: Missing access key
//	//
//	//   no access key in profile "default"
//	//
//	//   Hint: Set SIMBRIDGE_ACCESS_KEY or pass --access-key
//
// # Error Codes
//
//   - E100-E119: configuration
//   - E120-E139: connection
//   - E140-E159: simulator callbacks
package errors
