/*Package window maps genomic intervals onto a fixed-size windowing of a
  species reference.  A Genome is built once from a chrom.sizes table and is
  immutable afterwards, so it can be shared read-only across parallel
  extraction tasks.  Window ids (BinID) are global: each chromosome gets a
  contiguous run of ids starting at its cumulative bin base, so numeric BinID
  order equals genomic coordinate order within a chromosome and chromosomes
  sort in reference-file order.
*/
package window
