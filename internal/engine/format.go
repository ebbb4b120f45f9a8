package engine

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"mediaqueue/internal/entity"
	"mediaqueue/internal/errs"
)

// SelectFormat picks the format that best matches quality.
//
// best and auto take the highest resolution, worst the lowest known one. An
// "NNNp" quality takes an exact height match, else the highest height below
// it, else the closest height above it. Audio-only formats are only
// considered when nothing carries video.
func SelectFormat(formats []entity.Format, quality entity.Quality) (entity.Format, error) {
	candidates := videoFormats(formats)
	if len(candidates) == 0 {
		return entity.Format{}, fmt.Errorf("%w: no formats available", errs.ErrExtractionFailed)
	}

	switch quality {
	case "", entity.QualityBest, entity.QualityAuto:
		return slices.MaxFunc(candidates, compareFormats), nil
	case entity.QualityWorst:
		known := slices.DeleteFunc(slices.Clone(candidates), func(f entity.Format) bool { return f.Resolution() == 0 })
		if len(known) == 0 {
			known = candidates
		}

		return slices.MinFunc(known, compareFormats), nil
	}

	target, err := parseHeight(quality)
	if err != nil {
		return entity.Format{}, err
	}

	var exact, below, above []entity.Format

	for _, f := range candidates {
		switch h := f.Resolution(); {
		case h == target:
			exact = append(exact, f)
		case h < target:
			below = append(below, f)
		default:
			above = append(above, f)
		}
	}

	switch {
	case len(exact) > 0:
		return slices.MaxFunc(exact, compareFormats), nil
	case len(below) > 0:
		return slices.MaxFunc(below, compareFormats), nil
	default:
		return slices.MinFunc(above, func(a, b entity.Format) int {
			if c := cmp.Compare(a.Resolution(), b.Resolution()); c != 0 {
				return c
			}

			// same height: prefer the higher bitrate
			return -compareFormats(a, b)
		}), nil
	}
}

func videoFormats(formats []entity.Format) []entity.Format {
	video := make([]entity.Format, 0, len(formats))

	for _, f := range formats {
		if !f.IsAudioOnly() {
			video = append(video, f)
		}
	}

	if len(video) > 0 {
		return video
	}

	return slices.Clone(formats)
}

// compareFormats orders by height, then total bitrate, then filesize.
func compareFormats(a, b entity.Format) int {
	if c := cmp.Compare(a.Resolution(), b.Resolution()); c != 0 {
		return c
	}

	if c := cmp.Compare(a.TBR, b.TBR); c != 0 {
		return c
	}

	return cmp.Compare(a.Filesize, b.Filesize)
}

func parseHeight(q entity.Quality) (int, error) {
	n, err := strconv.Atoi(strings.TrimSuffix(string(q), "p"))
	if err != nil || n <= 0 {
		return 0, errs.NewValidation("quality", fmt.Sprintf("unknown quality %q", q))
	}

	return n, nil
}
