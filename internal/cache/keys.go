package cache

import (
	"fmt"
	"strings"
)

// keyPartEscaper keeps ':' out of key parts so that distinct parts never
// join into the same key.
var keyPartEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// Key joins a prefix and arguments into a cache key: "prefix:a:b". Any ':'
// inside an argument is escaped.
func Key(prefix string, args ...any) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, a := range args {
		b.WriteByte(':')
		b.WriteString(keyPartEscaper.Replace(fmt.Sprint(a)))
	}
	return b.String()
}

// AnnotationJobPrefix is the prefix shared by every cached annotation read of
// one job. Invalidating a job deletes everything under it.
func AnnotationJobPrefix(jobID string) string {
	return "ann:" + keyPartEscaper.Replace(jobID) + ":"
}

func AnnotationsByJobKey(jobID string) string {
	return AnnotationJobPrefix(jobID) + "all"
}

func AnnotationsByTypeKey(jobID, featureType string) string {
	return Key(AnnotationJobPrefix(jobID)+"type", featureType)
}

func FeatureTypesKey(jobID string) string {
	return AnnotationJobPrefix(jobID) + "types"
}

func ContigsKey(jobID string) string {
	return AnnotationJobPrefix(jobID) + "contigs"
}

func AnnotationRangeKey(jobID, contig string, start, end int64) string {
	return Key(AnnotationJobPrefix(jobID)+"range", contig, start, end)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
