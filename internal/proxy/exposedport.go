// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"strconv"
	"strings"

	vfcerrors "grimm.is/vmfence/internal/errors"
)

// ExposedPort is a declared external->internal port mapping, parsed
// from the CLI in "EXTERNAL:INTERNAL" form.
type ExposedPort struct {
	External uint16
	Internal uint16
}

// ParseExposedPort parses "EXTERNAL:INTERNAL" into an ExposedPort.
func ParseExposedPort(s string) (ExposedPort, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return ExposedPort{}, vfcerrors.Errorf(vfcerrors.KindConfig,
			"invalid exposed port specification %q, the format should be EXTERNAL:INTERNAL", s)
	}

	external, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return ExposedPort{}, vfcerrors.Wrapf(err, vfcerrors.KindConfig, "invalid external port %q", parts[0])
	}
	internal, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return ExposedPort{}, vfcerrors.Wrapf(err, vfcerrors.KindConfig, "invalid internal port %q", parts[1])
	}

	return ExposedPort{External: uint16(external), Internal: uint16(internal)}, nil
}
