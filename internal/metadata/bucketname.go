package metadata

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

var ErrInvalidBucketName = errors.New("invalid bucket name")

var (
	bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)
	labelRegex      = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
)

var prohibitedPrefixes = []string{"xn--", "sthree-"}
var prohibitedSuffixes = []string{"-s3alias", "--ol-s3"}

// ValidateBucketName checks name against the S3 bucket naming rules.
func ValidateBucketName(name string) error {
	if err := checkBucketName(name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBucketName, err)
	}
	return nil
}

func checkBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return errors.New("bucket name must be between 3 and 63 characters long")
	}
	if !bucketNameRegex.MatchString(name) {
		return errors.New("bucket name must contain only lowercase letters, numbers, dots, and hyphens, and must start and end with a letter or number")
	}
	if net.ParseIP(name) != nil {
		return errors.New("bucket name must not be formatted as an IP address")
	}
	for _, prefix := range prohibitedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return fmt.Errorf("bucket name must not start with '%s'", prefix)
		}
	}
	for _, suffix := range prohibitedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return fmt.Errorf("bucket name must not end with '%s'", suffix)
		}
	}
	if strings.Contains(name, "--") {
		return errors.New("bucket name must not contain consecutive hyphens")
	}
	for _, label := range strings.Split(name, ".") {
		if len(label) == 0 {
			return errors.New("bucket name must not contain consecutive dots")
		}
		if !labelRegex.MatchString(label) {
			return errors.New("each label must start and end with a lowercase letter or number")
		}
	}
	return nil
}
