package nameutil

import "encoding/json"

// DecodeCatalog parses a catalog Data's content: a UTF-8 JSON array of
// strings, each naming a dependent object. Malformed JSON is returned
// as an error; callers still archive the Data and simply skip fan-out
// (see spec §7, "malformed payload").
func DecodeCatalog(content []byte) ([]string, error) {
	var names []string
	if err := json.Unmarshal(content, &names); err != nil {
		return nil, err
	}
	return names, nil
}
