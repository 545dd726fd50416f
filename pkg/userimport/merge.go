package userimport

import (
	"strings"

	"github.com/samber/lo"
)

// Merge folds the candidate document over the existing one. Full-replace
// overlays every top-level candidate field. Under onlyPresent, fields the
// candidate does not carry survive from the existing document, including
// the nested personal addresses and preferred first name.
func Merge(existing, candidate map[string]interface{}, onlyPresent bool) map[string]interface{} {
	merged := copyDoc(existing)

	if !onlyPresent {
		for k, v := range candidate {
			merged[k] = v
		}
		return merged
	}

	newPersonal, _ := candidate["personal"].(map[string]interface{})
	existingPersonal, _ := merged["personal"].(map[string]interface{})

	for k, v := range candidate {
		if k == "personal" {
			continue
		}
		merged[k] = v
	}

	personal := copyDoc(existingPersonal)
	preferredFirst, _ := personal["preferredFirstName"].(string)
	addresses, _ := personal["addresses"].([]interface{})
	for k, v := range newPersonal {
		personal[k] = v
	}
	if cur, _ := personal["preferredFirstName"].(string); cur == "" && preferredFirst != "" {
		personal["preferredFirstName"] = preferredFirst
	}
	if cur, _ := personal["addresses"].([]interface{}); len(cur) == 0 && len(addresses) > 0 {
		personal["addresses"] = addresses
	}
	if len(personal) > 0 {
		merged["personal"] = personal
	}

	return merged
}

// Protect restores protected fields onto the merged document: each named
// field ends up with exactly the value the existing document had, whether
// the candidate tried to overwrite or remove it. Dot notation addresses one
// level of nesting.
func Protect(merged, existing map[string]interface{}, fields []string) {
	for _, field := range fields {
		parts := strings.SplitN(field, ".", 2)
		if len(parts) == 1 {
			restore(merged, existing, field)
			continue
		}

		existingNested, _ := existing[parts[0]].(map[string]interface{})
		mergedNested, _ := merged[parts[0]].(map[string]interface{})
		if mergedNested == nil {
			if existingNested == nil {
				continue
			}
			mergedNested = map[string]interface{}{}
			merged[parts[0]] = mergedNested
		}
		restore(mergedNested, existingNested, parts[1])
	}
}

func restore(merged, existing map[string]interface{}, key string) {
	if existing == nil {
		delete(merged, key)
		return
	}
	if v, ok := existing[key]; ok {
		merged[key] = v
	} else {
		delete(merged, key)
	}
}

// CustomProtectedFields reads the protection list an existing user carries
// in its own custom fields.
func CustomProtectedFields(existing map[string]interface{}) []string {
	custom, _ := existing["customFields"].(map[string]interface{})
	raw, _ := custom["protectedFields"].(string)
	if raw == "" {
		return nil
	}
	return lo.Map(strings.Split(raw, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	})
}

func copyDoc(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
