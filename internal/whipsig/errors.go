package whipsig

import "errors"

var errNoResource = errors.New("no resource url assigned yet")
