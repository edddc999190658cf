//go:build !darwin

package daemonsvc

// startCaffeinate is a noop on non-macOS platforms (§4.7 step 3).
func startCaffeinate() (stop func(), err error) {
	return func() {}, nil
}
