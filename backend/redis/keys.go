package redis

import "strings"

type keys struct {
	// Ends with ":" when not empty
	prefix string
}

func newKeys(prefix string) *keys {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	return &keys{prefix: prefix}
}

func (k *keys) stateKey(workflowID string) string {
	return k.prefix + "state:" + workflowID
}

func (k *keys) definitionKey(workflowID string) string {
	return k.prefix + "definition:" + workflowID
}

// statesBySave returns the key for the ZSET that contains all workflow IDs sorted by their last
// save. The score is the save time in unix milliseconds.
func (k *keys) statesBySave() string {
	return k.prefix + "states-by-save"
}
