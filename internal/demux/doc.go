// Package demux inspects the elementary stream payloads carried in an
// MPEG transport stream. It does not decode media: it finds H.264 and H.265
// NAL units and random access points, reads picture geometry from an H.264
// SPS, splits ADTS audio into frames, and pulls CEA-608/708 captions out of
// SEI messages.
//
// The entry points are [ParseAnnexB], [ParseAnnexBHEVC], [IsRandomAccess],
// [ParseSPS], [ParseADTS] and [CaptionExtractor].
package demux
