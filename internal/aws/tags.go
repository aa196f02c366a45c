package aws

import (
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"dbstack/internal/domain"
)

// EC2Tags converts a tag set to EC2 tags in key order.
func EC2Tags(tags domain.Tags) []ec2types.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]ec2types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

// EC2TagSpecs tags a resource at creation time.
func EC2TagSpecs(resourceType ec2types.ResourceType, tags domain.Tags) []ec2types.TagSpecification {
	return []ec2types.TagSpecification{{ResourceType: resourceType, Tags: EC2Tags(tags)}}
}

// StackFilters selects resources owned by stack. With a logical ID it selects
// exactly one logical resource.
func StackFilters(stack, logicalID string) []ec2types.Filter {
	filters := []ec2types.Filter{{Name: aws.String("tag:" + domain.TagStack), Values: []string{stack}}}
	if logicalID != "" {
		filters = append(filters, ec2types.Filter{Name: aws.String("tag:" + domain.TagLogicalID), Values: []string{logicalID}})
	}
	return filters
}

// EC2TagValue returns the value of key in tags, or "".
func EC2TagValue(tags []ec2types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}
