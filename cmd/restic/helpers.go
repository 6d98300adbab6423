package main

import (
	"github.com/sealvault/sealvault/internal/objects"
)

func getIDsFromFiles(files []string) (objects.IDSet, error) {
	ids := objects.NewIDSet()

	for _, file := range files {
		fromfile, err := readLines(file)
		if err != nil {
			return nil, err
		}

		// read IDs from file
		for _, line := range fromfile {
			id, err := objects.ParseID(line)
			if err != nil {
				return nil, err
			}
			ids.Insert(id)
		}
	}
	return ids, nil
}
